package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ussd-airtime-bot/balance"
	"ussd-airtime-bot/config"
	"ussd-airtime-bot/events"
	"ussd-airtime-bot/lock"
	"ussd-airtime-bot/logging"
	"ussd-airtime-bot/model"
	"ussd-airtime-bot/modem"
	"ussd-airtime-bot/operator"
	"ussd-airtime-bot/purchase"
	"ussd-airtime-bot/store"
	"ussd-airtime-bot/transport"
)

const redisDialTimeout = 5 * time.Second

// openMode selects how much of the application a command needs.
type openMode int

const (
	storeOnly openMode = iota // database only
	offline                   // purchase machine and balance updater, no transport opened
	online                    // every configured channel opened
)

// app holds the components shared by every command.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *store.Store
	dir     *operator.Directory
	router  *transport.Router
	machine *purchase.Machine
	updater *balance.Updater

	// pubs receives every event; serve appends the bot once it exists.
	pubs    events.Multi
	closers []func() error
}

// newApp loads the configuration and opens what mode asks for.
func newApp(ctx context.Context, mode openMode) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	a := &app{cfg: cfg, log: log}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if mode == storeOnly {
		return a, nil
	}
	if err := a.openServices(ctx, mode == online); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	st, err := store.Open(a.cfg.App.Database)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	if _, err := st.SyncSIMs(ctx, a.cfg.SIMs); err != nil {
		return err
	}
	return nil
}

func (a *app) openServices(ctx context.Context, dial bool) error {
	dir, err := operator.Load(a.cfg.App.OperatorsFile)
	if err != nil {
		return err
	}
	a.dir = dir

	if dial {
		a.router = a.openChannels()
		a.closers = append(a.closers, a.router.Close)
	} else {
		a.router = transport.NewRouter(a.log)
	}

	locker, err := a.openLocker(ctx)
	if err != nil {
		return err
	}
	if err := a.openEvents(); err != nil {
		return err
	}

	pub := events.Func(func(ctx context.Context, e events.Event) error {
		return a.pubs.Publish(ctx, e)
	})
	a.machine = purchase.New(a.store, dir, a.router,
		purchase.WithLocker(locker),
		purchase.WithPublisher(pub),
		purchase.WithLogger(a.log),
	)
	a.updater = balance.NewUpdater(a.store, dir, a.router,
		balance.WithLowThreshold(a.cfg.Balance.LowThreshold),
		balance.WithPublisher(pub),
		balance.WithLogger(a.log),
	)
	return nil
}

// openChannels registers every configured channel. A modem that cannot be
// opened is left out; dialling it reports the transport as unavailable.
func (a *app) openChannels() *transport.Router {
	router := transport.NewRouter(a.log)
	for _, ch := range a.cfg.Channels {
		switch ch.Kind {
		case config.ChannelKindGateway:
			router.Register(ch.Name, transport.NewGateway(ch.Name, ch.URL, ch.USSDTimeout))
		default:
			m, err := modem.Open(modem.Config{
				PortName:    ch.PortName,
				BaudRate:    ch.BaudRate,
				USSDTimeout: ch.USSDTimeout,
			}, a.log.Named("modem").With(zap.String("channel", ch.Name)))
			if err != nil {
				a.log.Error("modem unavailable", zap.String("channel", ch.Name), zap.Error(err))
				continue
			}
			router.Register(ch.Name, transport.NewModemChannel(ch.Name, m))
		}
		a.log.Info("channel ready", zap.String("channel", ch.Name), zap.String("kind", ch.Kind))
	}
	return router
}

func (a *app) openLocker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.Redis.Addr == "" {
		return lock.NewMemory(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: a.cfg.Redis.Addr})
	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", a.cfg.Redis.Addr, err)
	}
	a.closers = append(a.closers, client.Close)
	return lock.NewRedis(client, a.cfg.Redis.Namespace, a.cfg.Redis.LockTTL, a.log), nil
}

func (a *app) openEvents() error {
	if a.cfg.NSQ.ProducerAddr == "" {
		return nil
	}
	p, err := events.NewNSQPublisher(a.cfg.NSQ.ProducerAddr, a.cfg.NSQ.Topic)
	if err != nil {
		return err
	}
	a.pubs = append(a.pubs, p)
	a.closers = append(a.closers, func() error {
		p.Close()
		return nil
	})
	return nil
}

// sharedLock reports whether operator locks are visible to other processes.
// Without Redis they live inside the serve process, so commands that take
// them go through its HTTP API instead.
func (a *app) sharedLock() bool {
	return a.cfg.Redis.Addr != ""
}

// findSIM accepts a SIM id or an operator name.
func (a *app) findSIM(ctx context.Context, ref string) (*model.SIM, error) {
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return a.store.SIM(ctx, uint(id))
	}
	return a.store.SIMByOperator(ctx, ref)
}

// handleInbound records an SMS read from a modem inbox. Messages from
// senders that are not operators are dropped so the inbox does not fill up.
func (a *app) handleInbound(ctx context.Context, channel, sender, text string) error {
	n, tx, err := a.machine.HandleInbound(ctx, sender, text)
	if errors.Is(err, purchase.ErrUnknownSender) {
		a.log.Debug("sms from unknown sender dropped", zap.String("channel", channel), zap.String("sender", sender))
		return nil
	}
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("channel", channel),
		zap.String("sender", sender),
		zap.String("type", n.Type.String()),
	}
	if tx != nil {
		fields = append(fields, zap.String("ref", tx.Ref), zap.String("status", tx.Status.String()))
	}
	a.log.Info("operator notification", fields...)
	return nil
}

// Close releases resources in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.log.Sync()
	return errors.Join(errs...)
}
