package scrape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyTarget_Shapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		hint TargetKind
		kind TargetKind
		id   string
	}{
		{"post", "https://example.com/p/AbC-123_/", "", KindPost, "AbC-123_"},
		{"reel", "https://example.com/reel/XYZ987/", "", KindPost, "XYZ987"},
		{"post with hint", "https://example.com/p/AAA", KindPost, KindPost, "AAA"},
		{"profile", "https://example.com/some.user/", "", KindProfile, "some.user"},
		{"hashtag", "https://example.com/explore/tags/sunset/", "", KindHashtag, "sunset"},
		{"place", "https://example.com/explore/locations/212988663/", "", KindPlace, "212988663"},
		{"wrong hint", "https://example.com/some.user/", KindPost, KindUnknown, ""},
		{"empty path", "https://example.com/", "", KindUnknown, ""},
		{"nested junk", "https://example.com/a/b/c/d", "", KindUnknown, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ClassifyTarget(tc.raw, tc.hint)
			require.Equal(t, tc.kind, got.Kind)
			require.Equal(t, tc.id, got.ID)
			require.Equal(t, tc.raw, got.Raw)
		})
	}
}

func TestClassifyTarget_ReservedPathsAreNotProfiles(t *testing.T) {
	t.Parallel()

	got := ClassifyTarget("https://example.com/explore/", KindProfile)
	require.Equal(t, KindUnknown, got.Kind)
}

func TestJobStatus_Transitions(t *testing.T) {
	t.Parallel()

	require.True(t, JobStatusQueued.CanTransition(JobStatusRunning))
	require.True(t, JobStatusQueued.CanTransition(JobStatusCancelled))
	require.True(t, JobStatusQueued.CanTransition(JobStatusCompleted))
	require.True(t, JobStatusRunning.CanTransition(JobStatusCompleted))
	require.True(t, JobStatusRunning.CanTransition(JobStatusFailed))
	require.True(t, JobStatusRunning.CanTransition(JobStatusCancelled))

	require.False(t, JobStatusRunning.CanTransition(JobStatusQueued))
	require.False(t, JobStatusCompleted.CanTransition(JobStatusRunning))
	require.False(t, JobStatusFailed.CanTransition(JobStatusCompleted))
	require.False(t, JobStatusCancelled.CanTransition(JobStatusRunning))
	require.False(t, JobStatusQueued.CanTransition(JobStatusQueued))
}

func TestFetchOptions_Trim(t *testing.T) {
	t.Parallel()

	fresh := func() *Record {
		return &Record{
			Comments: []Comment{{User: "a"}, {User: "b"}, {User: "c"}},
			Media:    []MediaItem{{URL: "https://cdn.example.com/x.jpg"}},
			RecentPosts: []PostSummary{
				{Shortcode: "AAA"}, {Shortcode: "BBB"}, {Shortcode: "CCC"},
			},
		}
	}

	r := fresh()
	FetchOptions{}.Trim(r)
	require.Nil(t, r.Comments)
	require.Nil(t, r.Media)
	require.Len(t, r.RecentPosts, 3)

	r = fresh()
	FetchOptions{IncludeMedia: true, IncludeComments: true, MaxComments: 2, MaxRecentPosts: 1}.Trim(r)
	require.Len(t, r.Comments, 2)
	require.Len(t, r.Media, 1)
	require.Len(t, r.RecentPosts, 1)
}

func TestProgress_Percentage(t *testing.T) {
	t.Parallel()

	require.Zero(t, Progress{}.Percentage())
	require.InDelta(t, 50.0, Progress{Total: 4, Completed: 1, Failed: 1}.Percentage(), 0.001)
	require.InDelta(t, 100.0, Progress{Total: 2, Completed: 1, Failed: 1}.Percentage(), 0.001)
	require.True(t, Progress{Total: 2, Completed: 1, Failed: 1}.Done())
	require.False(t, Progress{Total: 2, Completed: 1}.Done())
}
