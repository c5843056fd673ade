package syncer

import (
	"context"

	"github.com/dustin/go-humanize"

	"github.com/GustavoWidman/syncr/internal/config"
	"github.com/GustavoWidman/syncr/internal/protocol"
	"github.com/GustavoWidman/syncr/internal/watch"
)

// Client watches a single configured directory and pushes each detected
// change to a server, playing the sender-of-new role for every file it
// observes changing.
type Client struct {
	Root       string
	ServerAddr string
	Secret     [32]byte
	SyncCfg    *config.SyncConfig
	Shared     *Shared
}

// Run starts watching Root and blocks, pushing each coalesced change
// event to the server, until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	id, err := ParseSyncrID(c.SyncCfg.Body().SyncrID)
	if err != nil {
		return err
	}

	watcher, err := watch.New(c.SyncCfg.Path, c.SyncCfg, func(event watch.ChangeEvent) {
		if err := c.pushChange(ctx, id, event); err != nil {
			c.Shared.Logger.Warn(err)
		}
	})
	if err != nil {
		return err
	}

	return watcher.Run(ctx)
}

// PushPath runs a single sync exchange for path against the server,
// exactly as if a watcher had just reported a Modify event for it. This
// is what a one-shot "sync" mode invocation uses to push an entire
// directory tree without starting a live watcher.
func (c *Client) PushPath(ctx context.Context, id [16]byte, path string) error {
	return c.pushChange(ctx, id, watch.ChangeEvent{Path: path, Kind: watch.KindModify})
}

// pushChange dials the server, negotiates the secure transport, and runs
// the protocol's sender-of-new role for event.Path, bounding the CPU-heavy
// portion of the exchange (delta computation happens inside Machine, but
// the connection itself is throttled here so a burst of events doesn't
// open unbounded concurrent sockets).
func (c *Client) pushChange(ctx context.Context, id [16]byte, event watch.ChangeEvent) error {
	return c.Shared.Pool.Submit(ctx, func() error {
		knownName, err := relativeKnownName(c.Root, event.Path)
		if err != nil {
			return err
		}

		// Register the push so an INIT arriving for the same file while it
		// runs can be tie-broken against it (see Server.serveInit).
		release := c.Shared.BeginPush(knownName, id)
		defer release()

		session, err := dialSecure(c.ServerAddr, c.Secret)
		if err != nil {
			return err
		}
		defer session.Close()

		machine := protocol.NewMachine(newCodec(session), c.Shared.Predictor, id)
		outcome, err := machine.Initiate(event.Path, knownName)
		if err != nil {
			return err
		}
		if outcome.Applied {
			verb := "sent delta for"
			if outcome.ForcedFull {
				verb = "sent full file for"
			}
			c.Shared.Logger.Printf("%s %s (%s)", verb, knownName, humanize.Bytes(outcome.NewLength))
			return c.Shared.Save(ctx)
		}
		return nil
	})
}
