// README: Entry point; loads config, wires services, starts HTTP server and background workers.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"courierdispatch/internal/config"
	"courierdispatch/internal/events"
	httptransport "courierdispatch/internal/http"
	"courierdispatch/internal/infra"
	"courierdispatch/internal/metrics"
	"courierdispatch/internal/modules/assignment"
	"courierdispatch/internal/modules/courier"
	"courierdispatch/internal/modules/dispatch"
	"courierdispatch/internal/modules/matching"
	"courierdispatch/internal/modules/notify"
	"courierdispatch/internal/modules/order"
)

type stores struct {
	couriers    courier.Store
	accounts    courier.Accounts
	assignments assignment.Store
	orders      order.Store
	otps        order.OTPStore
	close       func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := infra.NewLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("DISPATCH_FIREBASE_PROJECT_ID is required")
	}
	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.WithError(err).Fatal("firebase init")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		log.WithError(err).Fatal("firebase auth init")
	}

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("open storage")
	}
	defer st.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := notify.NewHub(log)
	gateway := notify.NewRouter().Route(notify.PrefixSocket, hub)
	if cfg.Firebase.Messaging {
		client, err := infra.NewMessagingClient(ctx, app)
		if err != nil {
			log.WithError(err).Fatal("firebase messaging init")
		}
		gateway.Route(notify.PrefixFCM, notify.NewFCM(client, log))
	}

	var publisher dispatch.EventPublisher = dispatch.NopPublisher{}
	var consumer *events.Consumer
	if cfg.Kafka.Enabled {
		producer, err := events.NewProducer(cfg.Kafka, log)
		if err != nil {
			log.WithError(err).Fatal("kafka producer")
		}
		defer producer.Close()
		publisher = producer

		consumer, err = events.NewConsumer(cfg.Kafka, log)
		if err != nil {
			log.WithError(err).Fatal("kafka consumer")
		}
	}

	directory := courier.NewDirectory(st.couriers, st.accounts, log)
	ledger := assignment.NewLedger(st.assignments)
	orderSvc := order.NewService(st.orders, st.otps, cfg.OTP.TTL)
	coord := dispatch.NewCoordinator(dispatch.Deps{
		Directory: directory,
		Finder:    matching.NewFinder(directory, ledger),
		Ledger:    ledger,
		Orders:    orderSvc,
		Gateway:   gateway,
		Events:    publisher,
		Metrics:   metrics.NewDispatch(reg),
		Log:       log,
		Config:    cfg.Dispatch,
	})
	triggers := dispatch.NewTriggers(coord, orderSvc)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Verifier:    verifier,
		Directory:   directory,
		Orders:      orderSvc,
		Coordinator: coord,
		Triggers:    triggers,
		Hub:         hub,
		Log:         log,
		Metrics:     metrics.NewHTTP(reg),
		Gatherer:    reg,
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	go coord.RunExpiryMonitor(ctx)
	if consumer != nil {
		events.BindTriggers(consumer, triggers.Bus())
		consumer.Start(ctx)
		defer consumer.Stop()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}()

	log.WithFields(logrus.Fields{"addr": cfg.HTTP.Addr, "storage": cfg.Storage.Driver}).Info("dispatch api listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("http server")
	}
}

func openStores(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*stores, error) {
	if cfg.Storage.Driver == config.StorageMemory {
		log.Warn("using in-memory storage; state is lost on restart")
		return &stores{
			couriers:    courier.NewMemoryStore(),
			accounts:    courier.NewMemoryAccounts(),
			assignments: assignment.NewMemoryStore(),
			orders:      order.NewMemoryStore(),
			otps:        order.NewMemoryOTPStore(),
			close:       func() {},
		}, nil
	}

	db, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &stores{
		couriers:    courier.NewRedisStore(rdb),
		accounts:    courier.NewPostgresAccounts(db),
		assignments: assignment.NewPostgresStore(db),
		orders:      order.NewPostgresStore(db),
		otps:        order.NewRedisOTPStore(rdb),
		close: func() {
			_ = rdb.Close()
			db.Close()
		},
	}, nil
}
