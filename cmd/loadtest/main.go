package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/library-sync/internal/codec"
	"github.com/example/library-sync/internal/library"
	"github.com/example/library-sync/internal/store"
	syncstate "github.com/example/library-sync/internal/sync"
	"github.com/example/library-sync/internal/transport"
	"github.com/example/library-sync/internal/types"
)

type latencySample struct {
	dur time.Duration
}

type replica struct {
	name string
	db   *store.DB
	m    *syncstate.Manager
	lib  *library.Library
}

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "redis address shared by all replicas")
	libraryID := flag.String("library", "loadtest-"+uuid.NewString()[:8], "library id used by all replicas")
	replicas := flag.Int("replicas", 3, "number of in-process replicas")
	writes := flag.Int("writes", 200, "tag writes per replica")
	wireCodec := flag.String("codec", "msgpack", "wire codec (json|msgpack|proto)")
	feedAddr := flag.String("feed", "", "optional websocket feed of a running server on the same library")
	listeners := flag.Int("listeners", 100, "feed clients to open when -feed is set")
	timeout := flag.Duration("timeout", time.Minute, "how long to wait for convergence")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("library", *libraryID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wire, err := codec.ByName(*wireCodec)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid codec")
	}

	client := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("redis unavailable")
	}

	dir, err := os.MkdirTemp("", "libsync-loadtest-")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create work dir")
	}
	defer os.RemoveAll(dir)

	nodes := make([]*replica, 0, *replicas)
	for i := 0; i < *replicas; i++ {
		r, err := openReplica(ctx, dir, fmt.Sprintf("replica-%d", i))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open replica")
		}
		defer r.db.Close()
		defer r.m.Close()

		tr := transport.New(transport.NewRedisBus(client), r.m, wire, *libraryID, zerolog.Nop())
		go tr.Run(ctx)
		nodes = append(nodes, r)
	}
	// Let subscriptions settle before the first publish.
	time.Sleep(500 * time.Millisecond)

	feedCh := make(chan latencySample, *listeners**writes**replicas)
	var feedWG sync.WaitGroup
	if *feedAddr != "" {
		u, err := url.Parse(*feedAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid feed address")
		}
		q := u.Query()
		q.Set("model", library.ModelTag)
		u.RawQuery = q.Encode()

		dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
		for i := 0; i < *listeners; i++ {
			conn, _, err := dialer.DialContext(ctx, u.String(), nil)
			if err != nil {
				logger.Error().Err(err).Int("listener", i).Msg("dial failed")
				continue
			}
			feedWG.Add(1)
			go func() {
				defer feedWG.Done()
				defer conn.Close()
				readerLoop(ctx, conn, feedCh, logger)
			}()
		}
	}

	writeCh := make(chan latencySample, *writes**replicas)
	start := time.Now()
	var wg sync.WaitGroup
	for _, r := range nodes {
		wg.Add(1)
		go func(r *replica) {
			defer wg.Done()
			if err := writeTags(ctx, r, *writes, writeCh); err != nil {
				logger.Error().Err(err).Str("replica", r.name).Msg("writer stopped")
			}
		}(r)
	}
	wg.Wait()
	close(writeCh)
	wrote := time.Since(start)

	converged, err := waitConverged(ctx, nodes, *timeout)
	if err != nil {
		logger.Error().Err(err).Msg("replicas did not converge")
	}

	fmt.Fprintf(os.Stdout, "Replicas: %d\nWrites: %d in %s\n", len(nodes), len(nodes)**writes, wrote)
	report("write", writeCh, logger)
	if err == nil {
		fmt.Fprintf(os.Stdout, "Converged after: %s\n", converged)
	}

	stop()
	feedWG.Wait()
	close(feedCh)
	if *feedAddr != "" {
		report("feed", feedCh, logger)
	}
}

func openReplica(ctx context.Context, dir, name string) (*replica, error) {
	db, err := store.OpenSQLite(ctx, filepath.Join(dir, name+".db"))
	if err != nil {
		return nil, err
	}
	node, err := db.LocalNode(ctx, name)
	if err != nil {
		db.Close()
		return nil, err
	}
	reg, err := library.NewRegistry()
	if err != nil {
		db.Close()
		return nil, err
	}
	m, err := syncstate.New(ctx, db, reg, node, zerolog.Nop(), syncstate.WithOutboundBuffer(1024))
	if err != nil {
		db.Close()
		return nil, err
	}
	return &replica{name: name, db: db, m: m, lib: library.New(m)}, nil
}

// writeTags creates tags and recolours random ones already created, so
// concurrent replicas race on the same fields.
func writeTags(ctx context.Context, r *replica, n int, latencies chan<- latencySample) error {
	colours := []string{"red", "green", "blue", "amber"}
	var tags []library.TagSyncID
	for i := 0; i < n; i++ {
		began := time.Now()
		if len(tags) == 0 || i%2 == 0 {
			id, err := r.lib.CreateTag(ctx, uuid.New(), types.Fields(types.F("name", fmt.Sprintf("%s-%d", r.name, i))))
			if err != nil {
				return err
			}
			tags = append(tags, id)
		} else {
			tag := tags[rand.IntN(len(tags))]
			if err := r.lib.Update(ctx, tag, "color", colours[rand.IntN(len(colours))]); err != nil {
				return err
			}
		}
		latencies <- latencySample{dur: time.Since(began)}
	}
	return nil
}

func waitConverged(ctx context.Context, nodes []*replica, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if same, err := sameState(ctx, nodes); err != nil {
			return 0, err
		} else if same {
			return time.Since(start), nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

func sameState(ctx context.Context, nodes []*replica) (bool, error) {
	var first library.State
	for i, r := range nodes {
		state, err := r.lib.State(ctx)
		if err != nil {
			return false, err
		}
		if i == 0 {
			first = state
			continue
		}
		if !reflect.DeepEqual(first, state) {
			return false, nil
		}
	}
	return true, nil
}

func readerLoop(ctx context.Context, conn *websocket.Conn, latencies chan<- latencySample, logger zerolog.Logger) {
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		var op types.CRDTOperation
		if err := json.Unmarshal(data, &op); err != nil {
			logger.Warn().Err(err).Msg("failed to decode operation")
			continue
		}
		select {
		case latencies <- latencySample{dur: time.Since(op.Timestamp.Time())}:
		default:
		}
	}
}

func report(name string, samples <-chan latencySample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under50ms int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	if count == 0 {
		fmt.Fprintf(os.Stdout, "%s: no samples collected\n", name)
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "%s samples: %d\n%s avg latency: %s\n%s max latency: %s\n%s <50ms: %.2f%%\n",
		name, count, name, avg, name, max, name, pct)
	if pct < 95 {
		logger.Warn().Str("metric", name).Msg("less than 95% of samples met the 50ms target")
	}
}
