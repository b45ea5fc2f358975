package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/schollz/progressbar/v3"

	"github.com/1ureka/pipeline/internal/config"
	"github.com/1ureka/pipeline/internal/protocol"
	"github.com/1ureka/pipeline/internal/session"
	"github.com/1ureka/pipeline/internal/signaling"
	"github.com/1ureka/pipeline/internal/transfer"
	"github.com/1ureka/pipeline/internal/transport"
	"github.com/1ureka/pipeline/internal/util"
	"github.com/1ureka/pipeline/internal/wakelock"
)

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func runRelay(ctx context.Context, addr string) error {
	pterm.Info.Println(fmt.Sprintf("Pipeline relay v%s", version))
	return signaling.NewServer().ListenAndServe(ctx, addr)
}

// runSend offers path in room and waits until the receiver has it, asking
// to try again after a rejection.
func runSend(ctx context.Context, cfg *config.Config, path, room string) error {
	rc, err := startSession(ctx, cfg, config.RoleSender, room)
	if err != nil {
		return err
	}
	defer rc.close()

	pterm.DefaultBox.
		WithTitle("Room").
		Println(fmt.Sprintf("%s\n\npipeline receive %s", room, room))
	util.LogInfo("waiting for the receiver to join")

	if err := rc.s.SelectFile(path); err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	for {
		select {
		case err := <-rc.runErr:
			return err

		case ev := <-rc.events:
			switch ev.Kind {
			case session.EventConnected:
				util.LogSuccess("receiver connected")

			case session.EventState:
				if ev.Next.Phase == session.PhaseWaitingAccept && ev.Prev.Phase != session.PhaseWaitingAccept {
					util.LogInfo("offer sent, waiting for the receiver to accept")
				}
				if ev.Next.Phase == session.PhaseTransferring && ev.Prev.Phase != session.PhaseTransferring {
					bar = newBar("Sending", ev.Next.File)
				}

			case session.EventProgress:
				setProgress(bar, ev.Next)

			case session.EventCompleted:
				setProgress(bar, ev.Next)
				finishBar(bar)
				util.LogSuccess("%s delivered", ev.Next.File.Name)
				return nil

			case session.EventRejected:
				util.LogWarning("the receiver declined %s", ev.Next.File.Name)
				again, _ := pterm.DefaultInteractiveConfirm.WithDefaultText("Try again?").Show()
				if !again {
					return nil
				}
				if err := rc.s.Retry(); err != nil {
					return err
				}

			case session.EventError:
				finishBar(bar)
				return ev.Next.Err

			case session.EventPeerLeft:
				finishBar(bar)
				bar = nil
				util.LogWarning("receiver left; waiting for someone to join %s", room)
			}
		}
	}
}

// runReceive joins room, prompts for the offer, and stores the file.
func runReceive(ctx context.Context, cfg *config.Config, room string, yes bool) error {
	rc, err := startSession(ctx, cfg, config.RoleReceiver, room)
	if err != nil {
		return err
	}
	defer rc.close()

	util.LogInfo("joined room %s, waiting for the sender", room)

	var bar *progressbar.ProgressBar
	for {
		select {
		case err := <-rc.runErr:
			return err

		case ev := <-rc.events:
			switch ev.Kind {
			case session.EventConnected:
				util.LogSuccess("sender connected")

			case session.EventOffer:
				meta := ev.Next.File
				pterm.DefaultSection.Println("Incoming file")
				pterm.Printf("  %s  %s  %s\n\n", pterm.LightCyan(meta.Name), util.FormatBytes(float64(meta.Size)), meta.MimeType)

				if !yes && !confirmOffer(meta) {
					if err := rc.s.Reject(); err != nil {
						return err
					}
					util.LogInfo("declined %s", meta.Name)
					return nil
				}
				retry := confirmRetry
				if yes {
					retry = func() bool { return false }
				}
				if err := acceptOffer(rc.s, retry); err != nil {
					return err
				}
				bar = newBar("Receiving", meta)

			case session.EventProgress:
				setProgress(bar, ev.Next)

			case session.EventCompleted:
				setProgress(bar, ev.Next)
				finishBar(bar)
				util.LogSuccess("saved to %s", ev.Next.Location)
				return nil

			case session.EventError:
				finishBar(bar)
				return ev.Next.Err

			case session.EventPeerLeft:
				finishBar(bar)
				if ev.Next.Phase == session.PhaseTransferring {
					return errors.New("sender left before the transfer finished")
				}
				util.LogWarning("sender left; waiting in room %s", room)
			}
		}
	}
}

// offerAnswerer is the receiving half of a session.
type offerAnswerer interface {
	Accept() error
	Reject() error
}

// acceptOffer accepts the pending offer. When the download cannot be
// stored the offer is still pending, so the user may free space or fix
// permissions and try again; giving up declines it and returns the error.
func acceptOffer(s offerAnswerer, retry func() bool) error {
	for {
		err := s.Accept()
		if err == nil || !errors.Is(err, transfer.ErrSink) {
			return err
		}
		util.LogError("cannot store the file: %v", err)
		if !retry() {
			if rerr := s.Reject(); rerr != nil {
				util.LogWarning("failed to decline the offer: %v", rerr)
			}
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Session plumbing
// ---------------------------------------------------------------------------

type runningSession struct {
	s      *session.Session
	events chan session.Event
	runErr chan error
	quit   chan struct{}
}

// startSession dials the relay and runs a session in the background. Its
// events are forwarded to a channel so the observer never blocks the
// session loop on a prompt; progress is dropped when the channel is full.
func startSession(ctx context.Context, cfg *config.Config, role config.Role, room string) (*runningSession, error) {
	client, err := signaling.Dial(ctx, cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	rc := &runningSession{
		events: make(chan session.Event, 64),
		runErr: make(chan error, 1),
		quit:   make(chan struct{}),
	}

	observers := []session.Observer{func(ev session.Event) {
		if ev.Kind == session.EventProgress {
			select {
			case rc.events <- ev:
			default:
			}
			return
		}
		select {
		case rc.events <- ev:
		case <-rc.quit:
		}
	}}
	if cfg.WakeLock {
		observers = append(observers, session.WakeLock(wakelock.Default()))
	}

	rc.s, err = session.New(session.Options{
		Role:      role,
		Initiator: role == config.RoleSender,
		RoomID:    room,
		Config:    cfg,
		Signaler:  client,
		NewTransport: func() session.Transport {
			return transport.New(transport.OptionsFromConfig(cfg))
		},
		Observers: observers,
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	util.StartStatsReporter(ctx)
	go func() {
		err := rc.s.Run(ctx)
		if err == nil {
			err = ctx.Err()
		}
		if errors.Is(err, context.Canceled) {
			util.LogInfo("cancelled")
			err = nil
		}
		rc.runErr <- err
	}()
	return rc, nil
}

func (rc *runningSession) close() {
	close(rc.quit)
	rc.s.Close()
}

// ---------------------------------------------------------------------------
// UI helpers
// ---------------------------------------------------------------------------

func confirmOffer(meta *protocol.FileMetadata) bool {
	ok, err := pterm.DefaultInteractiveConfirm.
		WithDefaultText(fmt.Sprintf("Accept %s?", meta.Name)).
		WithDefaultValue(true).
		Show()
	return err == nil && ok
}

func confirmRetry() bool {
	ok, err := pterm.DefaultInteractiveConfirm.
		WithDefaultText("Try again?").
		WithDefaultValue(true).
		Show()
	return err == nil && ok
}

func newBar(desc string, meta *protocol.FileMetadata) *progressbar.ProgressBar {
	if meta == nil {
		return nil
	}
	return progressbar.NewOptions64(meta.Size,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(fmt.Sprintf("%s %s", desc, meta.Name)),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionFullWidth(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
}

func setProgress(bar *progressbar.ProgressBar, snap session.Snapshot) {
	if bar == nil || snap.File == nil {
		return
	}
	bar.Set64(snap.File.Size * int64(snap.Progress) / 100)
}

func finishBar(bar *progressbar.ProgressBar) {
	if bar != nil && !bar.IsFinished() {
		bar.Finish()
	}
}
