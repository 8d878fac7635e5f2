package transport

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/ldlmclient/internal/dlmerrors"
	"github.com/marmos91/ldlmclient/pkg/dlm/lock"
	"github.com/marmos91/ldlmclient/pkg/dlm/wire"
)

// Fake is an in-memory Transport for tests. Callers script its behavior via
// the exported hook; everything else is plain bookkeeping so assertions can
// check what the engine actually dispatched.
type Fake struct {
	mu sync.Mutex

	// OnSend is invoked synchronously from QueueWait (and, for async
	// requests, from the PtlrpcdAddReq goroutine) once a request has been
	// packed. It should populate req.Reply and return the classified
	// result (nil on success).
	OnSend func(req *Request) error

	// CancelSetSupported controls SupportsCancelSet's return value.
	CancelSetSupported bool

	// Invalid marks the import as unable to accept new requests; QueueWait
	// and PtlrpcdAddReq both honor it per §4.3(c): "if import is invalid,
	// return count as sent".
	Invalid bool

	Sent        []*Request
	FailImports []uint64 // snapshotConnCnt values FailImport was called with
	Connects    int
	Recoveries  int
}

// NewFake returns a Fake that grants everything immediately by default
// (OnSend unset, QueueWait returns nil with whatever Reply the test pre-set).
func NewFake() *Fake {
	return &Fake{CancelSetSupported: true}
}

func (f *Fake) RequestAlloc(portal Portal, opcode string) *Request {
	return &Request{Portal: portal, Opcode: opcode, Req: &wire.Request{}}
}

func (f *Fake) RequestPack(req *Request, desc *wire.Request) {
	req.Req = desc
}

func (f *Fake) RequestFree(req *Request) {}

func (f *Fake) RequestSetReplen(req *Request, replyLen int) {
	req.Reply = &wire.Reply{LVB: make([]byte, 0, replyLen)}
}

func (f *Fake) AtSetReqTimeout(req *Request, timeout time.Duration) {
	req.Timeout = timeout
}

func (f *Fake) QueueWait(ctx context.Context, req *Request) error {
	f.mu.Lock()
	f.Sent = append(f.Sent, req)
	invalid := f.Invalid
	hook := f.OnSend
	f.mu.Unlock()

	if invalid {
		return dlmerrors.NewShutdownError(req.Opcode)
	}
	if hook == nil {
		return nil
	}
	return hook(req)
}

func (f *Fake) PtlrpcdAddReq(req *Request, done InterpretFunc) {
	f.mu.Lock()
	f.Sent = append(f.Sent, req)
	f.mu.Unlock()

	go func() {
		err := f.QueueWait(context.Background(), req)
		if done != nil {
			done(req, err)
		}
	}()
}

func (f *Fake) ReqFinished(req *Request) {}

func (f *Fake) FailImport(imp *lock.Import, snapshotConnCnt uint64) {
	f.mu.Lock()
	f.FailImports = append(f.FailImports, snapshotConnCnt)
	f.mu.Unlock()

	imp.Lock()
	current := imp.ConnCnt
	imp.Unlock()
	if current == snapshotConnCnt {
		imp.BumpGeneration()
	}
}

func (f *Fake) ImportRecoveryStateMachine(imp *lock.Import) {
	f.mu.Lock()
	f.Recoveries++
	f.mu.Unlock()
}

func (f *Fake) ConnectImport(ctx context.Context, imp *lock.Import) error {
	f.mu.Lock()
	f.Connects++
	f.mu.Unlock()
	imp.BumpGeneration()
	return nil
}

func (f *Fake) SupportsCancelSet(imp *lock.Import) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CancelSetSupported
}

var _ Transport = (*Fake)(nil)
