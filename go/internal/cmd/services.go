package main

import (
	"database/sql"
	"log/slog"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/sidelinehq/sideline/go/internal/connstate"
	"github.com/sidelinehq/sideline/go/internal/control"
	"github.com/sidelinehq/sideline/go/internal/control/outbox"
	"github.com/sidelinehq/sideline/go/internal/docwatch"
	"github.com/sidelinehq/sideline/go/internal/gamestart"
	"github.com/sidelinehq/sideline/go/internal/models"
	"github.com/sidelinehq/sideline/go/internal/notify"
	"github.com/sidelinehq/sideline/go/internal/pairing"
	"github.com/sidelinehq/sideline/go/internal/peerlink"
	"github.com/sidelinehq/sideline/go/internal/session"
	"github.com/sidelinehq/sideline/go/internal/trust"
)

// Services holds the agent's long-lived components. Built once at startup,
// torn down in reverse on shutdown.
type Services struct {
	Session   *session.Session
	Repo      *control.Repository
	Worker    *outbox.Worker
	Consumer  *docwatch.Consumer
	Publisher *outbox.JetStreamPublisher
	Trust     *trust.Store
}

func setupServices(database *sql.DB, cfg *Config) (*Services, error) {
	// Wire up dependency injection chain
	// Storage layer → arbitration → transport → session handle

	repo := control.NewRepository(database)
	arbiter := control.NewArbiter(cfg.Device.ID, repo)

	trustStore, err := trust.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	transport, err := peerlink.NewTransport(peerlink.Config{
		Self:       cfg.Self(),
		ListenPort: cfg.ListenPort,
	})
	if err != nil {
		trustStore.Close()
		return nil, err
	}

	negotiator, err := pairing.NewNegotiator(cfg.Role(), trustStore, transport)
	if err != nil {
		trustStore.Close()
		return nil, err
	}

	// The session is constructed after its snapshot sources, so both feed
	// through this indirection. Neither source runs before Session.Start.
	var sess *session.Session
	onSnapshot := func(snapshot *models.GameSession) {
		if sess != nil {
			sess.HandleSnapshot(snapshot)
		}
	}

	poller := docwatch.NewPoller(repo, onSnapshot, cfg.PollInterval, nil)

	var starter *gamestart.Coordinator
	if cfg.Role() == models.RoleRecorder {
		// Hook point for a recording pipeline; the headless agent just logs.
		starter = gamestart.NewCoordinator(func(gameID string) {
			log.Info().Str("game_id", gameID).Msg("game start latched, begin recording")
		}, gamestart.DefaultPeerDelay, nil)
	}

	sess, err = session.New(session.Config{
		Self:         cfg.Self(),
		LocalRole:    cfg.Role(),
		UserIdentity: cfg.User.Identity,
	}, session.Deps{
		Transport:  transport,
		Negotiator: negotiator,
		Conn:       connstate.NewMachine(nil, nil),
		Arbiter:    arbiter,
		Starter:    starter,
		Poller:     poller,
		Notifier:   notify.LogNotifier{},
	})
	if err != nil {
		transport.Close()
		trustStore.Close()
		return nil, err
	}

	// Publisher first: it ensures the stream the consumer attaches to.
	jsCfg := outbox.DefaultJetStreamConfig()
	jsCfg.URL = cfg.NATS.URL
	publisher, err := outbox.NewJetStreamPublisher(jsCfg)
	if err != nil {
		transport.Close()
		trustStore.Close()
		return nil, err
	}

	worker := outbox.NewWorker(repo, publisher, outbox.DefaultConfig(),
		slog.New(slog.NewTextHandler(os.Stderr, nil)))

	consumerCfg := docwatch.DefaultConsumerConfig(cfg.Device.ID)
	consumerCfg.URL = cfg.NATS.URL
	consumer, err := docwatch.NewConsumer(onSnapshot, consumerCfg)
	if err != nil {
		publisher.Close()
		transport.Close()
		trustStore.Close()
		return nil, err
	}

	return &Services{
		Session:   sess,
		Repo:      repo,
		Worker:    worker,
		Consumer:  consumer,
		Publisher: publisher,
		Trust:     trustStore,
	}, nil
}
