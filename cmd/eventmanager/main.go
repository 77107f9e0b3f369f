// Command eventmanager runs the teavent coordination service: it recovers
// managed teavents from MongoDB, re-arms their timers and serves the HTTP
// API. After every transition a snapshot goes out on a Redis stream for
// presenters to consume.
//
// # Configuration
//
// Flags, with environment fallbacks:
//
//	-http-port       HTTP_PORT       HTTP listen port (default "8000")
//	-mongo-uri       MONGO_URI       MongoDB connection URI (default "mongodb://localhost:27017")
//	-db              MONGO_DB        MongoDB database name (default "teave")
//	-redis-addr      REDIS_ADDR      Redis address (default "localhost:6379")
//	-redis-password  REDIS_PASSWORD  Redis password (optional)
//	-stream          TEAVE_STREAM    Outgoing stream name (default "teavents")
//	-debug           DEBUG           Debug logs and endpoints
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/teave/teave/api"
	publishpulse "github.com/teave/teave/features/publish/pulse"
	clientspulse "github.com/teave/teave/features/publish/pulse/clients/pulse"
	storemongo "github.com/teave/teave/features/store/mongo"
	clientsmongo "github.com/teave/teave/features/store/mongo/clients/mongo"
	"github.com/teave/teave/runtime/clock"
	"github.com/teave/teave/runtime/executor"
	"github.com/teave/teave/runtime/manager"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 30 * time.Second
	streamMaxLen    = 1000
)

func main() {
	var (
		httpPortF      = flag.String("http-port", envOr("HTTP_PORT", "8000"), "HTTP listen port")
		mongoURIF      = flag.String("mongo-uri", envOr("MONGO_URI", "mongodb://localhost:27017"), "MongoDB connection URI")
		dbF            = flag.String("db", envOr("MONGO_DB", "teave"), "MongoDB database name")
		redisAddrF     = flag.String("redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "Redis address backing the outgoing stream")
		redisPasswordF = flag.String("redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
		streamF        = flag.String("stream", envOr("TEAVE_STREAM", "teavents"), "Outgoing stream name")
		dbgF           = flag.Bool("debug", os.Getenv("DEBUG") != "", "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx,
		log.KV{K: "http-port", V: *httpPortF},
		log.KV{K: "mongo-db", V: *dbF},
		log.KV{K: "stream", V: *streamF})

	// Connect to MongoDB and wrap the teavent collection.
	var (
		mongoConn   *mongodriver.Client
		storeClient clientsmongo.Client
	)
	{
		conn, err := mongodriver.Connect(mongooptions.Client().ApplyURI(*mongoURIF))
		if err != nil {
			log.Fatalf(ctx, err, "connect to mongodb at %q", *mongoURIF)
		}
		mongoConn = conn
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err = conn.Ping(pingCtx, readpref.Primary())
		cancel()
		if err != nil {
			log.Fatalf(ctx, err, "ping mongodb at %q", *mongoURIF)
		}
		storeClient, err = clientsmongo.New(clientsmongo.Options{Client: conn, Database: *dbF})
		if err != nil {
			log.Fatalf(ctx, err, "build store client")
		}
	}

	// Connect to Redis and bind the outgoing stream.
	var (
		rdb         *redis.Client
		pulseClient clientspulse.Client
	)
	{
		rdb = redis.NewClient(&redis.Options{Addr: *redisAddrF, Password: *redisPasswordF})
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf(ctx, err, "ping redis at %q", *redisAddrF)
		}
		pulseClient, err = clientspulse.New(clientspulse.Options{
			Redis:        rdb,
			Stream:       *streamF,
			StreamMaxLen: streamMaxLen,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build pulse client")
		}
	}

	// Assemble the runtime: executor lanes, listeners, manager.
	exec := executor.New(ctx)
	store, err := storemongo.NewListener(storeClient, exec)
	if err != nil {
		log.Fatalf(ctx, err, "build store listener")
	}
	publisher, err := publishpulse.NewPublisher(pulseClient, exec)
	if err != nil {
		log.Fatalf(ctx, err, "build publisher")
	}
	mgr := manager.New(ctx, clock.NewSystem(), exec, store, publisher)

	// Recover managed teavents before accepting traffic, so a re-managed id
	// is reliably refused once the RPC surface opens.
	if err := mgr.Recover(ctx, store.FetchAll); err != nil {
		log.Fatalf(ctx, err, "recover teavents")
	}

	svr, err := api.New(mgr, api.Options{})
	if err != nil {
		log.Fatalf(ctx, err, "build api server")
	}
	checker := health.NewChecker(storeClient, pulseClient)

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	handleHTTPServer(ctx, ":"+*httpPortF, svr, checker, &wg, errc, *dbgF)

	// Wait for signal or server failure.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()
	wg.Wait()

	// Drain the manager and executor lanes, then release the connections.
	drainCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := mgr.Shutdown(drainCtx); err != nil {
		log.Errorf(ctx, err, "manager shutdown")
	}
	if err := mongoConn.Disconnect(drainCtx); err != nil {
		log.Errorf(ctx, err, "disconnect mongodb")
	}
	if err := rdb.Close(); err != nil {
		log.Errorf(ctx, err, "close redis")
	}
	log.Printf(ctx, "exited")
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
