package reconciler

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicebridge/internal/domain"
)

type recorder struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recorder) Emit(n Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func track(tid, pid string) domain.VideoTrack {
	return domain.VideoTrack{TrackID: domain.TrackID(tid), ParticipantID: domain.ParticipantID(pid)}
}

func added(t domain.VideoTrack) Notification   { return Notification{Kind: TrackAdded, Track: t} }
func enabled(t domain.VideoTrack) Notification { return Notification{Kind: TrackEnabled, Track: t} }
func removed(t domain.VideoTrack) Notification { return Notification{Kind: TrackRemoved, Track: t} }

func TestTrackBufferedUntilParticipantKnown(t *testing.T) {
	rec := &recorder{}
	r := New(rec)
	v1 := track("v1", "p1")

	r.OnTrackAdded(v1)
	require.Empty(t, rec.all())

	r.OnParticipantKnown("p1")
	require.Equal(t, []Notification{added(v1)}, rec.all())

	r.OnSurfaceReady(v1)
	r.OnTrackEnabled(v1)
	require.Equal(t, []Notification{added(v1), enabled(v1)}, rec.all())
}

func TestEnabledBeforeAddedWaitsForSurface(t *testing.T) {
	rec := &recorder{}
	r := New(rec)
	v2 := track("v2", "p1")
	r.OnParticipantKnown("p1")

	r.OnTrackEnabled(v2)
	require.Empty(t, rec.all())

	r.OnTrackAdded(v2)
	require.Equal(t, []Notification{added(v2)}, rec.all())

	r.OnSurfaceReady(v2)
	require.Equal(t, []Notification{added(v2), enabled(v2)}, rec.all())
	require.Equal(t, 0, r.Stats().PendingEnabled)
}

func TestEnabledReplayedRightAfterAdded(t *testing.T) {
	rec := &recorder{}
	r := New(rec)
	v1 := track("v1", "p1")
	v2 := track("v2", "p1")

	r.OnTrackAdded(v1)
	r.OnTrackAdded(v2)
	r.OnSurfaceReady(v1)
	r.OnSurfaceReady(v2)
	r.OnTrackEnabled(v2)
	r.OnTrackEnabled(v1)
	require.Empty(t, rec.all())

	r.OnParticipantKnown("p1")
	require.Equal(t, []Notification{added(v1), enabled(v1), added(v2), enabled(v2)}, rec.all())
}

func TestBufferedTracksKeepArrivalOrder(t *testing.T) {
	rec := &recorder{}
	r := New(rec)
	ids := []string{"t9", "t1", "t5", "t3"}
	for _, id := range ids {
		r.OnTrackAdded(track(id, "p1"))
	}
	r.OnTrackAdded(track("other", "p2"))

	r.OnParticipantKnown("p1")

	got := rec.all()
	require.Len(t, got, len(ids))
	for i, id := range ids {
		require.Equal(t, added(track(id, "p1")), got[i])
	}
	require.Equal(t, 1, r.Stats().PendingAdded)
}

func TestAllInterleavingsOfOnePair(t *testing.T) {
	v := track("v", "p")
	steps := map[string]func(*Reconciler){
		"added":   func(r *Reconciler) { r.OnTrackAdded(v) },
		"known":   func(r *Reconciler) { r.OnParticipantKnown("p") },
		"enabled": func(r *Reconciler) { r.OnTrackEnabled(v) },
		"surface": func(r *Reconciler) { r.OnSurfaceReady(v) },
	}

	for _, order := range permutations([]string{"added", "known", "enabled", "surface"}) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			rec := &recorder{}
			r := New(rec)
			seen := map[string]bool{}
			for _, step := range order {
				steps[step](r)
				seen[step] = true

				got := rec.all()
				nAdded, nEnabled := 0, 0
				for _, n := range got {
					switch n.Kind {
					case TrackAdded:
						nAdded++
					case TrackEnabled:
						require.Equal(t, 1, nAdded, "enabled before added")
						nEnabled++
					}
				}
				require.LessOrEqual(t, nAdded, 1)
				require.LessOrEqual(t, nEnabled, 1)
				require.Equal(t, seen["added"] && seen["known"], nAdded == 1)
			}
			require.Equal(t, []Notification{added(v), enabled(v)}, rec.all())
			require.Equal(t, Stats{KnownParticipants: 1, Delivered: 1}, r.Stats())
		})
	}
}

func TestRemovedPendingTrackIsNeverReplayed(t *testing.T) {
	rec := &recorder{}
	r := New(rec)
	v1 := track("v1", "p1")

	r.OnTrackAdded(v1)
	r.OnTrackEnabled(v1)
	r.OnSurfaceReady(v1)
	r.OnTrackRemoved(v1)
	require.Equal(t, []Notification{removed(v1)}, rec.all())

	r.OnParticipantKnown("p1")
	r.OnSurfaceReady(v1)
	require.Equal(t, []Notification{removed(v1)}, rec.all())
	require.Equal(t, 0, r.Stats().PendingAdded)
	require.Equal(t, 0, r.Stats().PendingEnabled)
}

func TestSurfaceOfRemovedTrackDoesNotCarryOver(t *testing.T) {
	rec := &recorder{}
	r := New(rec)
	v1 := track("v1", "p1")
	r.OnParticipantKnown("p1")

	r.OnTrackAdded(v1)
	r.OnTrackRemoved(v1)
	r.OnSurfaceReady(v1)
	r.OnTrackAdded(v1)
	r.OnTrackEnabled(v1)
	require.Equal(t, []Notification{added(v1), removed(v1), added(v1)}, rec.all())
	require.Equal(t, 1, r.Stats().PendingEnabled)

	r.OnSurfaceReady(v1)
	require.Equal(t, []Notification{added(v1), removed(v1), added(v1), enabled(v1)}, rec.all())
}

func TestRemoveUnknownTrackStillEmits(t *testing.T) {
	rec := &recorder{}
	r := New(rec)
	ghost := track("ghost", "nobody")
	r.OnTrackRemoved(ghost)
	require.Equal(t, []Notification{removed(ghost)}, rec.all())
}

func TestDuplicateTrackAddedIsIgnored(t *testing.T) {
	rec := &recorder{}
	r := New(rec)
	v1 := track("v1", "p1")

	r.OnTrackAdded(v1)
	r.OnTrackAdded(v1)
	r.OnParticipantKnown("p1")
	r.OnTrackAdded(v1)
	require.Equal(t, []Notification{added(v1)}, rec.all())
}

func TestDisabledCancelsPendingEnabled(t *testing.T) {
	rec := &recorder{}
	r := New(rec)
	v1 := track("v1", "p1")
	r.OnParticipantKnown("p1")
	r.OnTrackAdded(v1)

	r.OnTrackEnabled(v1)
	r.OnTrackDisabled(v1)
	r.OnSurfaceReady(v1)
	require.Equal(t, []Notification{added(v1)}, rec.all())

	r.OnTrackEnabled(v1)
	r.OnTrackDisabled(v1)
	require.Equal(t, []Notification{
		added(v1),
		enabled(v1),
		{Kind: TrackDisabled, Track: v1},
	}, rec.all())
}

func TestResetDropsPendingState(t *testing.T) {
	rec := &recorder{}
	r := New(rec)
	v1 := track("v1", "p1")
	r.OnTrackAdded(v1)
	r.OnTrackEnabled(v1)
	r.OnParticipantKnown("p2")

	r.Reset()
	require.Equal(t, Stats{}, r.Stats())

	r.OnParticipantKnown("p1")
	require.Empty(t, rec.all())
}

func TestEmitterMayReenter(t *testing.T) {
	var (
		r   *Reconciler
		got []Notification
	)
	v1 := track("v1", "p1")
	v2 := track("v2", "p1")
	r = New(EmitterFunc(func(n Notification) {
		got = append(got, n)
		if n.Kind == TrackAdded && n.Track == v1 {
			// a consumer reacting to v1 by announcing another track
			r.OnTrackAdded(v2)
		}
	}))

	r.OnParticipantKnown("p1")
	r.OnTrackAdded(v1)
	require.Equal(t, []Notification{added(v1), added(v2)}, got)
}

func TestConcurrentCallersKeepPerTrackOrder(t *testing.T) {
	rec := &recorder{}
	r := New(rec)

	const participants = 8
	const tracksEach = 16
	var wg sync.WaitGroup
	for p := 0; p < participants; p++ {
		pid := fmt.Sprintf("p%d", p)
		for i := 0; i < tracksEach; i++ {
			v := track(fmt.Sprintf("%s-t%d", pid, i), pid)
			wg.Add(3)
			go func() { defer wg.Done(); r.OnTrackAdded(v) }()
			go func() { defer wg.Done(); r.OnTrackEnabled(v) }()
			go func() { defer wg.Done(); r.OnSurfaceReady(v) }()
		}
		wg.Add(1)
		go func() { defer wg.Done(); r.OnParticipantKnown(domain.ParticipantID(pid)) }()
	}
	wg.Wait()

	addedAt := map[domain.TrackID]int{}
	enabledAt := map[domain.TrackID]int{}
	for i, n := range rec.all() {
		switch n.Kind {
		case TrackAdded:
			_, dup := addedAt[n.Track.TrackID]
			require.False(t, dup)
			addedAt[n.Track.TrackID] = i
		case TrackEnabled:
			_, dup := enabledAt[n.Track.TrackID]
			require.False(t, dup)
			enabledAt[n.Track.TrackID] = i
		}
	}
	require.Len(t, addedAt, participants*tracksEach)
	require.Len(t, enabledAt, participants*tracksEach)
	for id, at := range enabledAt {
		require.Less(t, addedAt[id], at, "track %s", id)
	}
	require.Equal(t, Stats{KnownParticipants: participants, Delivered: participants * tracksEach}, r.Stats())
}

func permutations(in []string) [][]string {
	if len(in) <= 1 {
		return [][]string{append([]string(nil), in...)}
	}
	var out [][]string
	for i := range in {
		rest := make([]string, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{in[i]}, p...))
		}
	}
	return out
}
