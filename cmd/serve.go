package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ussd-airtime-bot/balance"
	"ussd-airtime-bot/bot"
	"ussd-airtime-bot/httpapi"
	"ussd-airtime-bot/purchase"
	"ussd-airtime-bot/transport"
)

const scheduledBalanceTimeout = 5 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the purchaser, inbox poller, balance schedule, HTTP API and Telegram bot",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, online)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	var b *bot.Bot
	if cfg.Bot.Enabled {
		b, err = bot.NewBot(cfg.Bot.Token, cfg.Bot.AdminIDs, a.machine, a.store, a.updater, a.log)
		if err != nil {
			return err
		}
		a.pubs = append(a.pubs, b)
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				a.log.Error("component stopped", zap.String("component", name), zap.Error(err))
				stop()
			}
		}()
	}

	if cfg.Purchaser.Enabled {
		p := purchase.NewPurchaser(a.machine, a.store, purchase.PurchaserConfig{
			Interval:     cfg.Purchaser.Interval,
			PollInterval: cfg.Purchaser.PollInterval,
			MaxPolls:     cfg.Purchaser.MaxPolls,
		})
		run("purchaser", p.Run)
	}

	if inboxes := a.router.Inboxes(); len(inboxes) > 0 {
		poller := transport.NewPoller(inboxes, a.handleInbound, cfg.Inbound.PollInterval, a.log)
		run("inbox", func(ctx context.Context) error {
			poller.Run(ctx)
			return nil
		})
	}

	if cfg.Balance.Schedule != "" {
		s, err := balance.NewScheduler(a.updater, cfg.Balance.Schedule, scheduledBalanceTimeout, a.log)
		if err != nil {
			return err
		}
		s.Start()
		defer s.Stop()
	}

	if cfg.App.Addr != "" {
		srv := httpapi.New(a.machine, a.store, a.updater, a.log)
		run("http", func(ctx context.Context) error {
			return srv.Run(ctx, cfg.App.Addr)
		})
	}

	if b != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Start()
		}()
		go func() {
			<-ctx.Done()
			b.Stop()
		}()
	}

	a.log.Info("airtime bot started", zap.String("version", Version), zap.Strings("channels", a.router.Channels()))
	<-ctx.Done()
	a.log.Info("shutting down")
	wg.Wait()
	return nil
}
