package commands

import (
	"github.com/marmos91/ldlmclient/internal/config"
	"github.com/marmos91/ldlmclient/pkg/dlm/mode"
	"github.com/marmos91/ldlmclient/pkg/dlm/transport"
	"github.com/marmos91/ldlmclient/pkg/dlm/wire"
	"github.com/marmos91/ldlmclient/pkg/dlmclient"
)

// newMockTransport builds a transport.Fake whose OnSend hook behaves like a
// cooperative, always-granting server: every ENQUEUE is granted at the
// requested mode immediately, and CANCEL RPCs always succeed. This is the
// "mock transport" dlmctl exercises the engine against, since the engine
// itself is transport-agnostic (§6) and this CLI has no real DLM server to
// talk to.
func newMockTransport() *transport.Fake {
	fake := transport.NewFake()
	fake.OnSend = func(req *transport.Request) error {
		if req.Opcode != "ENQUEUE" {
			return nil
		}
		req.Reply = &wire.Reply{
			Handle: req.Req.Handle[0],
			Desc:   req.Req.Desc,
		}
		req.Reply.Desc.GrantedMode = uint32(mode.Mode(req.Req.Desc.ReqMode))
		return nil
	}
	return fake
}

// newDemoClient loads config from the global --config flag and wires a
// dlmclient.Client for GetNamespace() over the mock transport.
func newDemoClient() (*dlmclient.Client, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, err
	}
	fake := newMockTransport()
	return dlmclient.New(GetNamespace(), cfg, fake, nil), nil
}
