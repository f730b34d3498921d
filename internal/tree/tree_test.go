package tree

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"pairengine/internal/errs"
	"pairengine/internal/repo"
	"pairengine/internal/testutil"
)

func ptr(v int64) *int64 { return &v }

func TestRegisterBuildsPlacement(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	ix := New(store, testutil.Retry(), testutil.Logger())

	root, err := ix.Register(ctx, Registration{ExternalRef: "root"})
	require.NoError(t, err)
	left, err := ix.Register(ctx, Registration{ExternalRef: "a", SponsorID: ptr(root.ID), ParentID: ptr(root.ID), Side: repo.SideLeft})
	require.NoError(t, err)
	right, err := ix.Register(ctx, Registration{ExternalRef: "b", SponsorID: ptr(root.ID), ParentID: ptr(root.ID), Side: repo.SideRight})
	require.NoError(t, err)
	grand, err := ix.Register(ctx, Registration{ExternalRef: "c", SponsorID: ptr(left.ID), ParentID: ptr(left.ID), Side: repo.SideRight})
	require.NoError(t, err)
	require.Less(t, root.ID, left.ID)
	require.Less(t, left.ID, right.ID)

	got, err := store.GetMember(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.DirectCount)
	require.Equal(t, 3, got.TeamCount)

	ancestors, err := Ancestors(ctx, store, grand.ID, 0)
	require.NoError(t, err)
	require.Equal(t, []Ancestor{
		{ID: left.ID, Side: repo.SideRight, Level: 1},
		{ID: root.ID, Side: repo.SideLeft, Level: 2},
	}, ancestors)

	limited, err := Ancestors(ctx, store, grand.ID, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	none, err := Ancestors(ctx, store, root.ID, 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestRegisterRejectsBadPlacement(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	ix := New(store, testutil.Retry(), testutil.Logger())

	root, err := ix.Register(ctx, Registration{ExternalRef: "root"})
	require.NoError(t, err)
	_, err = ix.Register(ctx, Registration{ExternalRef: "a", ParentID: ptr(root.ID), Side: repo.SideLeft})
	require.NoError(t, err)

	cases := map[string]Registration{
		"second root":   {ExternalRef: "x"},
		"occupied slot": {ExternalRef: "y", ParentID: ptr(root.ID), Side: repo.SideLeft},
		"missing side":  {ExternalRef: "z", ParentID: ptr(root.ID)},
		"no parent":     {ExternalRef: "w", ParentID: ptr(999), Side: repo.SideRight},
		"no sponsor":    {ExternalRef: "v", SponsorID: ptr(999), ParentID: ptr(root.ID), Side: repo.SideRight},
		"empty ref":     {ParentID: ptr(root.ID), Side: repo.SideRight},
	}
	for name, reg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ix.Register(ctx, reg)
			require.Error(t, err)
			require.True(t, errors.Is(err, errs.ErrInvalidPlacement), err.Error())
		})
	}
}

func TestRegisterIsIdempotentByRef(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	ix := New(store, testutil.Retry(), testutil.Logger())

	first, err := ix.Register(ctx, Registration{ExternalRef: "root"})
	require.NoError(t, err)
	again, err := ix.Register(ctx, Registration{ExternalRef: "root"})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
}

func TestDeactivateKeepsMember(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	ix := New(store, testutil.Retry(), testutil.Logger())

	root, err := ix.Register(ctx, Registration{ExternalRef: "root"})
	require.NoError(t, err)
	require.NoError(t, ix.Deactivate(ctx, root.ID))

	got, err := store.GetMember(ctx, root.ID)
	require.NoError(t, err)
	require.False(t, got.Active)

	require.True(t, errors.Is(ix.Deactivate(ctx, 42), errs.ErrNotFound))
}
