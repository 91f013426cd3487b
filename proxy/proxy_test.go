package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/b-open-io/opensync/model"
)

// stubPlugin is a minimal in-test Plugin used to drive ClientProxy
// without a real child process.
type stubPlugin struct {
	connectDelay time.Duration
	connectErr   error
	mainSink     bool
}

func (s *stubPlugin) Initialize(ctx context.Context, config map[string]string) error { return nil }

func (s *stubPlugin) Connect(ctx context.Context, objType model.ObjType) (bool, error) {
	if s.connectDelay > 0 {
		select {
		case <-time.After(s.connectDelay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return false, s.connectErr
}

func (s *stubPlugin) ConnectDone(ctx context.Context, objType model.ObjType, slowsync bool) error {
	return nil
}
func (s *stubPlugin) GetChanges(ctx context.Context, objType model.ObjType, slowsync bool, out chan<- model.Change) error {
	close(out)
	return nil
}
func (s *stubPlugin) Commit(ctx context.Context, objType model.ObjType, change *model.Change) error {
	return nil
}
func (s *stubPlugin) CommittedAll(ctx context.Context, objType model.ObjType) error { return nil }
func (s *stubPlugin) SyncDone(ctx context.Context, objType model.ObjType) error     { return nil }
func (s *stubPlugin) Disconnect(ctx context.Context, objType model.ObjType) error   { return nil }
func (s *stubPlugin) Finalize(ctx context.Context) error                           { return nil }
func (s *stubPlugin) MainSink() bool                                               { return s.mainSink }

func TestConnectTimeoutTaints(t *testing.T) {
	p := NewClientProxy("m1", &stubPlugin{connectDelay: 50 * time.Millisecond}, Timeouts{Connect: 5 * time.Millisecond})

	_, err := p.Connect(context.Background(), "contact")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if model.KindOf(err) != model.KindTimeout {
		t.Fatalf("expected KindTimeout, got %s", model.KindOf(err))
	}

	if _, tainted := p.Tainted("contact"); !tainted {
		t.Fatal("expected (member, objtype) to be tainted after timeout")
	}
}

func TestConnectSuccessNotTainted(t *testing.T) {
	p := NewClientProxy("m1", &stubPlugin{}, DefaultTimeouts())
	_, err := p.Connect(context.Background(), "contact")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, tainted := p.Tainted("contact"); tainted {
		t.Fatal("did not expect taint on success")
	}
}

func TestResetTaintClears(t *testing.T) {
	p := NewClientProxy("m1", &stubPlugin{connectErr: model.NewError(model.KindGeneric, "boom")}, DefaultTimeouts())
	_, _ = p.Connect(context.Background(), "contact")
	if _, tainted := p.Tainted("contact"); !tainted {
		t.Fatal("expected taint")
	}
	p.ResetTaint("contact")
	if _, tainted := p.Tainted("contact"); tainted {
		t.Fatal("expected taint cleared")
	}
}

func TestDisconnectIgnoresTaint(t *testing.T) {
	p := NewClientProxy("m1", &stubPlugin{connectErr: model.NewError(model.KindGeneric, "boom")}, DefaultTimeouts())
	_, _ = p.Connect(context.Background(), "contact")
	if _, tainted := p.Tainted("contact"); !tainted {
		t.Fatal("expected taint after failed connect")
	}
	if err := p.Disconnect(context.Background(), "contact"); err != nil {
		t.Fatalf("disconnect should still run for a tainted member: %v", err)
	}
}
