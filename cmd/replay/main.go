package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tickreplay.dev/internal/input"
	"tickreplay.dev/internal/persistence/indexdb"
	plog "tickreplay.dev/internal/persistence/log"
	"tickreplay.dev/internal/persistence/replays"
	"tickreplay.dev/internal/simtest"
)

const usage = `usage: replay <command> [flags]

commands:
  info     -in FILE                     print header and run statistics
  compress -in FILE -out FILE           rewrite maximally compressed (.zst output compresses)
  merge    -a FILE -b FILE -out FILE    per-tick union of two replays
  sub      -in FILE -from N -to N -out FILE
  list     -dir DIR [-db FILE -label L] list replays in a store (and the index)
           [-session S -snapshots -slot NAME]  captures and slot assignment of a session
  verify   -in FILE [-seed N]           run the replay on the demo platformer and print its digest
  packets  -dir DIR                     dump the sent-packet trail
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "info":
		err = runInfo(args)
	case "compress":
		err = runCompress(args)
	case "merge":
		err = runMerge(args)
	case "sub":
		err = runSub(args)
	case "list":
		err = runList(args)
	case "verify":
		err = runVerify(args)
	case "packets":
		err = runPackets(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, cmd+":", err)
		os.Exit(1)
	}
}

func required(fs *flag.FlagSet, names ...string) error {
	for _, n := range names {
		if fs.Lookup(n).Value.String() == "" {
			return fmt.Errorf("missing -%s", n)
		}
	}
	return nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	in := fs.String("in", "", "replay file")
	_ = fs.Parse(args)
	if err := required(fs, "in"); err != nil {
		return err
	}
	h, l, err := replays.ReadFile(*in)
	if err != nil {
		return err
	}
	codes := input.Empty
	for _, r := range l.Runs() {
		codes = codes.Union(r.Set)
	}
	fmt.Printf("label=%s start_tick=%d ticks=%d runs=%d codes=%q\n", h.Label, h.StartTick, l.Len(), len(l.Runs()), codes.String())
	return nil
}

func runCompress(args []string) error {
	fs := flag.NewFlagSet("compress", flag.ExitOnError)
	in := fs.String("in", "", "replay file")
	out := fs.String("out", "", "output file")
	_ = fs.Parse(args)
	if err := required(fs, "in", "out"); err != nil {
		return err
	}
	h, l, err := replays.ReadFile(*in)
	if err != nil {
		return err
	}
	c := l.Compress()
	if err := replays.WriteFile(*out, h, c); err != nil {
		return err
	}
	fmt.Printf("runs %d -> %d\n", len(l.Runs()), len(c.Runs()))
	return nil
}

func runMerge(args []string) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	a := fs.String("a", "", "first replay")
	b := fs.String("b", "", "second replay")
	out := fs.String("out", "", "output file")
	label := fs.String("label", "", "label of the output (default: first replay's)")
	_ = fs.Parse(args)
	if err := required(fs, "a", "b", "out"); err != nil {
		return err
	}
	ha, la, err := replays.ReadFile(*a)
	if err != nil {
		return err
	}
	hb, lb, err := replays.ReadFile(*b)
	if err != nil {
		return err
	}
	if ha.Label != hb.Label && *label == "" {
		fmt.Fprintf(os.Stderr, "warning: merging %q into %q\n", hb.Label, ha.Label)
	}
	if *label != "" {
		ha.Label = *label
	}
	m := la.Merge(lb)
	if err := replays.WriteFile(*out, ha, m); err != nil {
		return err
	}
	fmt.Printf("merged %d + %d ticks -> %d ticks, %d runs\n", la.Len(), lb.Len(), m.Len(), len(m.Runs()))
	return nil
}

func runSub(args []string) error {
	fs := flag.NewFlagSet("sub", flag.ExitOnError)
	in := fs.String("in", "", "replay file")
	from := fs.Int("from", 0, "first tick (inclusive)")
	to := fs.Int("to", -1, "last tick (exclusive, default end)")
	out := fs.String("out", "", "output file")
	_ = fs.Parse(args)
	if err := required(fs, "in", "out"); err != nil {
		return err
	}
	h, l, err := replays.ReadFile(*in)
	if err != nil {
		return err
	}
	end := *to
	if end < 0 {
		end = l.Len()
	}
	s, err := l.Sub(*from, end)
	if err != nil {
		return err
	}
	h.StartTick += int64(*from)
	return replays.WriteFile(*out, h, s)
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dir := fs.String("dir", "data/replays", "replay store directory")
	db := fs.String("db", "", "index database (optional)")
	label := fs.String("label", "", "only this label (index only)")
	session := fs.String("session", "", "session id for -snapshots and -slot (index only)")
	snaps := fs.Bool("snapshots", false, "list the session's indexed captures")
	slot := fs.String("slot", "", "print the replay assigned to this slot")
	_ = fs.Parse(args)
	if (*snaps || *slot != "") && (*db == "" || *session == "") {
		return fmt.Errorf("-snapshots and -slot need -db and -session")
	}

	store, err := replays.Open(*dir)
	if err != nil {
		return err
	}
	entries, err := store.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		kind := "named"
		if e.Recorded {
			kind = "recorded"
		}
		fmt.Printf("%-40s %-8s %8d %s\n", e.Name, kind, e.Size, e.ModTime.Format("2006-01-02 15:04:05"))
	}
	if *db == "" {
		return nil
	}
	idx, err := indexdb.OpenSQLite(*db)
	if err != nil {
		return err
	}
	defer idx.Close()
	ctx := context.Background()
	rows, err := idx.Replays(ctx, *label, 0)
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Printf("%s %s label=%s start=%d ticks=%d runs=%d session=%s\n",
			r.RecordedAt.Format("2006-01-02 15:04:05"), r.Name, r.Label, r.StartTick, r.Ticks, r.Runs, r.Session)
	}
	if *snaps {
		caps, err := idx.Snapshots(ctx, *session)
		if err != nil {
			return err
		}
		for _, c := range caps {
			fmt.Printf("tick=%d kind=%s slot=%s size=%d raw=%d refs=%d\n", c.Tick, c.Kind, c.Slot, c.Size, c.RawSize, c.Refs)
		}
	}
	if *slot != "" {
		name, err := idx.SlotReplay(ctx, *session, *slot)
		if errors.Is(err, indexdb.ErrNotFound) {
			return fmt.Errorf("slot %q of session %s has no replay", *slot, *session)
		}
		if err != nil {
			return err
		}
		fmt.Printf("slot %s -> %s\n", *slot, name)
	}
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	in := fs.String("in", "", "replay file")
	seed := fs.Uint64("seed", 1, "platformer seed")
	_ = fs.Parse(args)
	if err := required(fs, "in"); err != nil {
		return err
	}
	_, l, err := replays.ReadFile(*in)
	if err != nil {
		return err
	}
	g := simtest.New(simtest.DefaultLevel(), *seed)
	var last simtest.Position
	for set := range l.All() {
		last = g.StepKeys(set)
	}
	fmt.Printf("ticks=%d pos=(%.0f,%.0f) score=%d digest=%s\n", g.Tics, last.X, last.Y, g.Score, g.Digest())
	return nil
}

func runPackets(args []string) error {
	fs := flag.NewFlagSet("packets", flag.ExitOnError)
	dir := fs.String("dir", "data/packets", "packet trail directory")
	_ = fs.Parse(args)
	files, err := plog.Files(*dir, "packets")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no packet files in %s", *dir)
	}
	for _, f := range files {
		err := plog.ReadLines(f, func(line []byte) error {
			var p struct {
				Tick uint64 `json:"tick"`
				Keys string `json:"keys"`
			}
			if err := json.Unmarshal(line, &p); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(f), err)
			}
			fmt.Printf("%d\t%s\n", p.Tick, strings.TrimSpace(p.Keys))
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
