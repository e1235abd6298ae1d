package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Abdullah1738/juno-lightclient/internal/api"
	"github.com/Abdullah1738/juno-lightclient/internal/broker"
	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/logging"
	"github.com/Abdullah1738/juno-lightclient/internal/publisher"
	"github.com/Abdullah1738/juno-lightclient/internal/zmq"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Keep the wallet synced and serve it over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	log := logging.For("serve")

	w, err := a.wallet(ctx)
	if err != nil {
		return err
	}
	if err := w.InitDataStore(ctx); err != nil {
		return err
	}
	sy, err := a.synchronizer(ctx)
	if err != nil {
		return err
	}

	apiServer, err := api.New(a.st, w,
		api.WithBearerToken(a.cfg.APIToken),
		api.WithBlockIngest(a.cache, sy.Notify),
		api.WithRewinder(sy),
	)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	br, err := broker.Open(ctx, broker.Config{
		Driver: a.cfg.BrokerDriver,
		URL:    a.cfg.BrokerURL,
		Topic:  a.cfg.BrokerTopic,
	})
	if err != nil {
		return errors.Wrap(err, "opening broker")
	}
	if br != nil {
		defer br.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sy.Run(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.WithField("addr", a.cfg.ListenAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http")
		}
		return nil
	})

	if a.cfg.ZMQEndpoint != "" {
		feed := zmq.FeedConfig{Endpoint: a.cfg.ZMQEndpoint, Topic: a.cfg.ZMQTopic}
		g.Go(func() error {
			return zmq.Subscribe(gctx, feed, func(ctx context.Context, b chain.Block) error {
				if err := a.cache.Put(ctx, b); err != nil {
					return err
				}
				sy.Notify()
				return nil
			})
		})
	}

	if br != nil {
		pub, err := publisher.New(a.st, br, publisher.Config{
			PollInterval: a.cfg.BrokerPollInterval,
			BatchSize:    a.cfg.BrokerBatchSize,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return pub.Run(gctx) })
	}

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		log.Info("stopped")
		return nil
	}
	return err
}
