package layer

import (
	"context"
	"fmt"

	"github.com/piwi3910/rdmalink/internal/reactor"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// Dial connects to the receiver at clientCfg.PeerAddress on loop and returns
// a sender attached to the new connection. The sender becomes the client's
// event handler. Close the client when done.
func Dial(ctx context.Context, loop *reactor.Loop, clientCfg *rdma.ClientConfig, cfg SenderConfig) (*Sender, *rdma.Client, error) {
	sender := NewSender(cfg)

	ccfg := *clientCfg
	ccfg.Handler = sender

	client, err := rdma.NewClient(loop, &ccfg)
	if err != nil {
		return nil, nil, err
	}

	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", ccfg.PeerAddress, err)
	}

	conn, err := client.Wait(ctx)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", ccfg.PeerAddress, err)
	}

	if err := sender.Attach(conn); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	return sender, client, nil
}
