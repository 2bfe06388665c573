package phase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/project-ncl/pnc-sub011/internal/status"
)

func TestSetIsWriteOnce(t *testing.T) {
	var s Set
	if !s.Add(BuildResult{Common: Common{Status: status.Success}}) {
		t.Fatalf("first add should succeed")
	}
	if s.Add(BuildResult{Common: Common{Status: status.Failed}}) {
		t.Fatalf("second add for same phase should be ignored")
	}
	r, ok := s.Get(Build)
	if !ok || r.Completion() != status.Success {
		t.Fatalf("unexpected build result: %+v", r)
	}
	if _, ok := s.Get(Promotion); ok {
		t.Fatalf("promotion should be absent")
	}
}

func TestSetAllKeepsPhaseOrder(t *testing.T) {
	var s Set
	s.Add(PromotionResult{Common: Common{Status: status.Success}})
	s.Add(AlignmentResult{Common: Common{Status: status.Success}})
	all := s.All()
	if len(all) != 2 || all[0].Phase() != Alignment || all[1].Phase() != Promotion {
		t.Fatalf("unexpected order: %+v", all)
	}
}

func TestDriverFuncRunsAsync(t *testing.T) {
	d := DriverFunc(func(ctx context.Context, req Request) (Result, error) {
		return EnvironmentResult{Common: Common{Status: status.Success}, SessionID: req.NodeID}, nil
	})
	sess, err := d.Start(context.Background(), Request{NodeID: "n1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := sess.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if env, ok := res.(EnvironmentResult); !ok || env.SessionID != "n1" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestFutureCancelStopsWork(t *testing.T) {
	f := Go(context.Background(), func(ctx context.Context) (Result, error) {
		<-ctx.Done()
		return nil, ErrCancelled
	})
	if err := f.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestFutureRecoversPanic(t *testing.T) {
	d := DriverFunc(func(ctx context.Context, req Request) (Result, error) {
		var m map[string]int
		m[req.NodeID] = 1
		return nil, nil
	})
	sess, err := d.Start(context.Background(), Request{NodeID: "n1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := sess.Wait(ctx)
	if !errors.Is(err, ErrDriverPanic) {
		t.Fatalf("expected ErrDriverPanic, got %v", err)
	}
	if res != nil {
		t.Fatalf("panicking driver should yield no result, got %+v", res)
	}
}
