package store

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"

	"Field-Simulator/config"
	"Field-Simulator/simulation"

	"github.com/paulmach/orb"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "field.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func finishedEpisode(t *testing.T, opts ...simulation.Option) *simulation.Episode {
	t.Helper()
	cfg := config.Default()
	cfg.Learning.Epsilon = 0
	opts = append([]simulation.Option{simulation.WithLogger(quietLogger())}, opts...)
	e := simulation.NewEpisode(cfg, opts...)
	e.PlacePlant(orb.Point{0, 0.5}, simulation.Healthy)
	e.Spawn(simulation.TractorSpec{Role: simulation.RoleHarvester, Position: orb.Point{0, 0}, HeadingDeg: 90})
	if err := e.Run(context.Background(), 0.02, 5000); err != nil {
		t.Fatalf("run episode: %v", err)
	}
	return e
}

func TestSaveEpisodeAndList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	e := finishedEpisode(t)

	if err := s.SaveEpisode(ctx, 1, e.Snapshot(), e.Policies()); err != nil {
		t.Fatalf("save episode: %v", err)
	}
	records, err := s.ListEpisodes(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 episode, got %d", len(records))
	}
	r := records[0]
	if r.ID != e.ID || !r.Finished || r.Metrics.Harvested != 1 || r.Seed != 1 {
		t.Errorf("unexpected record: %+v", r)
	}
}

func TestLatestQTableWarmStart(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, ok, err := s.LatestQTable(ctx, simulation.RoleHarvester, 0); err != nil || ok {
		t.Fatalf("empty store should have no table, ok=%v err=%v", ok, err)
	}

	first := finishedEpisode(t)
	if err := s.SaveEpisode(ctx, 1, first.Snapshot(), first.Policies()); err != nil {
		t.Fatal(err)
	}
	saved := first.Policies()[0].Table

	table, ok, err := s.LatestQTable(ctx, simulation.RoleHarvester, 0)
	if err != nil || !ok {
		t.Fatalf("expected stored table, ok=%v err=%v", ok, err)
	}
	for st := range saved {
		for a := range saved[st] {
			if table[st][a] != saved[st][a] {
				t.Fatalf("Q(%d,%d) = %v, want %v", st, a, table[st][a], saved[st][a])
			}
		}
	}
	if _, ok, _ := s.LatestQTable(ctx, simulation.RoleHerbicide, 0); ok {
		t.Error("no herbicide table was stored")
	}

	warm := simulation.NewEpisode(config.Default(),
		simulation.WithLogger(quietLogger()),
		simulation.WithPolicyLoader(s.PolicyLoader(ctx, quietLogger())),
	)
	tr := warm.Spawn(simulation.TractorSpec{Role: simulation.RoleHarvester})
	got := tr.Policy().Table()
	for st := range saved {
		for a := range saved[st] {
			if got[st][a] != saved[st][a] {
				t.Fatalf("warm start Q(%d,%d) = %v, want %v", st, a, got[st][a], saved[st][a])
			}
		}
	}
}
