package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"tickreplay.dev/internal/config"
	"tickreplay.dev/internal/input"
	"tickreplay.dev/internal/inputlog"
	"tickreplay.dev/internal/netsync"
	"tickreplay.dev/internal/persistence/indexdb"
	persistlog "tickreplay.dev/internal/persistence/log"
	"tickreplay.dev/internal/persistence/r2s3"
	"tickreplay.dev/internal/persistence/replays"
	"tickreplay.dev/internal/session"
	"tickreplay.dev/internal/simtest"
	"tickreplay.dev/internal/snapshot"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/config.yaml", "path to config.yaml")
		ticks      = flag.Int("ticks", 600, "ticks to run (0 = until interrupted)")
		hz         = flag.Int("hz", 0, "tick rate (0 = as fast as possible)")
		seed       = flag.Uint64("seed", 1, "platformer seed")
		replayName = flag.String("replay", "", "replay from the store to play on start")
		inputPath  = flag.String("input", "", "replay file fed as real inputs (default: autopilot)")
		recordSlot = flag.String("record", "", "save the recording into this slot on exit")
		relayAddr  = flag.String("relay", "", "also host a sync relay on this address")
		syncURL    = flag.String("url", "", "sync relay websocket url (overrides net.url)")
		disableDB  = flag.Bool("disable_db", false, "disable the replay/snapshot index")
		undoAt     = flag.Int("undo_at", 0, "undo once at this tick to exercise the timeline (0 = never)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[driver] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", *configPath)
		cfg = config.Defaults()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *relayAddr != "" {
		relay := netsync.NewRelay(log.New(os.Stdout, "[relay] ", log.LstdFlags|log.Lmicroseconds))
		mux := http.NewServeMux()
		mux.Handle("/v1/sync", relay.Handler())
		ln, err := net.Listen("tcp", *relayAddr)
		if err != nil {
			logger.Fatalf("relay listen: %v", err)
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("relay: %v", err)
			}
		}()
		defer srv.Close()
		logger.Printf("relay listening on %s/v1/sync", ln.Addr())
	}

	codec, err := snapshot.New(simtest.Adapter(), snapshot.Options{Level: cfg.ZstdLevel()})
	if err != nil {
		logger.Fatalf("codec: %v", err)
	}
	defer codec.Close()

	store, err := replays.Open(cfg.Storage.ReplayDir)
	if err != nil {
		logger.Fatalf("replay store: %v", err)
	}

	if mc := cfg.Storage.Mirror; mc.Enabled() {
		client, err := r2s3.New(mc.Endpoint, mc.Bucket, r2s3.CredentialsFromEnv())
		if err != nil {
			logger.Fatalf("mirror: %v", err)
		}
		mirror := r2s3.NewMirror(client, mc.Prefix, mc.Workers, 0, logger)
		defer mirror.Close()
		store.OnSaved = mirror.Enqueue
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(cfg.Storage.IndexDB)
		if err != nil {
			logger.Fatalf("index: %v", err)
		}
		defer idx.Close()
	}

	events := persistlog.NewEventLogger(filepath.Join(filepath.Dir(cfg.Net.PacketLog), "events"))
	defer events.Close()

	id := uuid.NewString()
	var (
		inbox  netsync.Inbox[netsync.Remote]
		outbox *netsync.Outbox
	)
	url := strings.TrimSpace(*syncURL)
	if url == "" {
		url = cfg.Net.URL
	}
	if url != "" {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := netsync.Dial(dctx, url, id, &inbox, log.New(os.Stdout, "[sync] ", log.LstdFlags|log.Lmicroseconds))
		cancel()
		if err != nil {
			logger.Fatalf("sync: %v", err)
		}
		defer client.Close()
		packets := persistlog.NewPacketLogger(cfg.Net.PacketLog)
		defer packets.Close()
		outbox = netsync.NewOutbox(uint64(cfg.Net.SendDelayTick), client)
		outbox.Recorder = packets
		outbox.Logger = logger
	}

	game := simtest.New(simtest.DefaultLevel(), *seed)
	peers := map[string]uint64{}
	s, err := session.New(game, game.Level.Name, session.Options[simtest.Game, simtest.Position]{
		ID:     id,
		Config: cfg,
		Codec:  codec,
		Step: func(g *simtest.Game, held, pressed input.Set) simtest.Position {
			return g.Step(held, pressed)
		},
		Prev:       func(g *simtest.Game) input.Set { return g.Prev },
		State:      func(g *simtest.Game) any { return map[string]any{"x": g.Player.X, "y": g.Player.Y, "score": g.Score} },
		Settled:    func(g *simtest.Game, _ simtest.Position) bool { return g.Grounded() },
		Recordable: func(g *simtest.Game) bool { return !g.Player.Dead },
		Store:      store,
		Index:      idx,
		Outbox:     outbox,
		Inbox:      &inbox,
		OnRemote:   func(_ *simtest.Game, r netsync.Remote) { peers[r.From] = r.Tick },
		Events:     events,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("session: %v", err)
	}
	if err := s.NewContext(game.Level.Name); err != nil {
		logger.Printf("autoload: %v", err)
	}
	if *replayName != "" {
		if _, err := s.PlayReplay(*replayName, true); err != nil {
			logger.Fatalf("replay %s: %v", *replayName, err)
		}
	}

	source := autopilot
	if *inputPath != "" {
		_, l, err := replays.ReadFile(*inputPath)
		if err != nil {
			logger.Fatalf("input: %v", err)
		}
		source = fromLog(l)
	}

	var tick <-chan time.Time
	if *hz > 0 {
		t := time.NewTicker(time.Second / time.Duration(*hz))
		defer t.Stop()
		tick = t.C
	}

	logger.Printf("session %s starting at tick %d", s.ID(), s.Now())
	for n := 0; *ticks == 0 || n < *ticks; n++ {
		if tick != nil {
			select {
			case <-ctx.Done():
			case <-tick:
			}
		}
		if ctx.Err() != nil {
			break
		}
		if *undoAt > 0 && n == *undoAt {
			if to, err := s.Undo(); err != nil {
				logger.Printf("undo: %v", err)
			} else {
				logger.Printf("undo to tick %d", to)
				s.SetPaused(false)
			}
		}
		if _, _, err := s.Tick(source(n)); err != nil {
			logger.Fatalf("tick: %v", err)
		}
	}

	if err := s.Flush(); err != nil {
		logger.Printf("flush: %v", err)
	}
	if *recordSlot != "" {
		name, err := s.SaveReplay(*recordSlot)
		if err != nil {
			logger.Printf("save replay: %v", err)
		} else {
			logger.Printf("recording saved as %s", name)
		}
	}
	if idx != nil {
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = idx.Flush(fctx)
		cancel()
		if st := idx.Stats(); st.DropTotal > 0 {
			logger.Printf("index dropped %d rows", st.DropTotal)
		}
	}
	live := s.Live()
	fmt.Printf("tick=%d pos=(%.0f,%.0f) score=%d backups=%d peers=%d digest=%s\n",
		live.Tics, live.Player.X, live.Player.Y, live.Score, s.Timeline().Len(), len(peers), live.Digest())
}

// autopilot runs right and jumps periodically.
func autopilot(n int) input.Set {
	switch {
	case n%40 == 0:
		return input.Of(simtest.Right, simtest.Jump)
	case n%40 < 25:
		return input.Of(simtest.Right)
	case n%40 < 30:
		return input.Of(simtest.Right, simtest.Dash)
	default:
		return input.Empty
	}
}

func fromLog(l *inputlog.Log) func(int) input.Set {
	sets := make([]input.Set, 0, l.Len())
	for s := range l.All() {
		sets = append(sets, s)
	}
	return func(n int) input.Set {
		if n < len(sets) {
			return sets[n]
		}
		return input.Empty
	}
}
