// Package simtest is a small deterministic side-scrolling platformer used as
// the simulation collaborator in tests and in the headless driver.
package simtest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"tickreplay.dev/internal/input"
	"tickreplay.dev/internal/snapshot"
)

const (
	Left  input.Code = 'A'
	Right input.Code = 'D'
	Jump  input.Code = 'W'
	Dash  input.Code = 'L'
	Reset input.Code = 'R'
)

const (
	walkSpeed  = 2
	dashSpeed  = 4
	jumpSpeed  = 10
	gravity    = 1
	maxStamina = 30
	coinRadius = 3
	fallLimit  = -200
)

// Level is static geometry shared by every restored copy of a game.
type Level struct {
	Name      string
	Width     float64
	Platforms []Platform
}

type Platform struct {
	X1, X2, Y float64
}

// Surface returns the highest platform top at x that is at or below y.
func (l *Level) Surface(x, y float64) (float64, bool) {
	best, found := 0.0, false
	for _, p := range l.Platforms {
		if x < p.X1 || x > p.X2 || p.Y > y {
			continue
		}
		if !found || p.Y > best {
			best, found = p.Y, true
		}
	}
	return best, found
}

// Link stands in for a live network connection owned by the process.
type Link struct {
	Addr string
	Sent int
}

type Position struct {
	X, Y float64
}

type Player struct {
	X, Y    float64
	VY      float64
	InAir   bool
	Stamina int
	Dead    bool
	Game    *Game
}

type Coin struct {
	X, Y  float64
	Taken bool
}

// RNG is a 64-bit LCG with exported state so it is captured with the game.
type RNG struct {
	State uint64
}

func (r *RNG) Next() uint64 {
	r.State = r.State*6364136223846793005 + 1442695040888963407
	return r.State >> 33
}

type Game struct {
	Tics    uint64
	Primary snapshot.PrimaryFlag

	Level  *Level
	Player *Player
	Coins  []*Coin
	Score  int
	Rng    RNG
	Prev   input.Set
	Log    []string

	// Process-bound state, excluded from snapshots.
	Mu   *sync.Mutex
	Link *Link
}

func DefaultLevel() *Level {
	return &Level{
		Name:  "level_1",
		Width: 400,
		Platforms: []Platform{
			{X1: 0, X2: 400, Y: 0},
			{X1: 40, X2: 80, Y: 20},
			{X1: 120, X2: 160, Y: 40},
		},
	}
}

func New(level *Level, seed uint64) *Game {
	g := &Game{
		Level: level,
		Rng:   RNG{State: seed},
		Mu:    &sync.Mutex{},
	}
	g.Player = &Player{X: 10, Stamina: maxStamina, Game: g}
	for i := 0; i < 5; i++ {
		g.Coins = append(g.Coins, &Coin{X: float64(20 + g.Rng.Next()%uint64(level.Width-40)), Y: 0})
	}
	return g
}

// Adapter declares the snapshot boundaries of a Game.
func Adapter() snapshot.Adapter[Game] {
	return snapshot.Adapter[Game]{
		Tick:    func(g *Game) uint64 { return g.Tics },
		Primary: func(g *Game) *snapshot.PrimaryFlag { return &g.Primary },
		Skip: []snapshot.Field[Game]{
			snapshot.FieldOf("Mu", func(g *Game) **sync.Mutex { return &g.Mu }),
			snapshot.FieldOf("Link", func(g *Game) **Link { return &g.Link }),
		},
		Retain: func(obj any) bool {
			_, ok := obj.(*Level)
			return ok
		},
	}
}

// Step advances one tick with the held and newly pressed inputs and returns
// the player position after the tick.
func (g *Game) Step(held, pressed input.Set) Position {
	p := g.Player
	if pressed.Has(Reset) {
		*p = Player{X: 10, Stamina: maxStamina, Game: g}
	}

	dx := 0.0
	if held.Has(Left) {
		dx -= walkSpeed
	}
	if held.Has(Right) {
		dx += walkSpeed
	}
	if dx != 0 && held.Has(Dash) && p.Stamina > 0 {
		dx *= dashSpeed / walkSpeed
		p.Stamina--
	} else if p.Stamina < maxStamina {
		p.Stamina++
	}
	p.X = min(max(p.X+dx, 0), g.Level.Width)

	if pressed.Has(Jump) && !p.InAir {
		p.VY = jumpSpeed
		p.InAir = true
	}
	if p.InAir {
		prevY := p.Y
		p.Y += p.VY
		p.VY -= gravity
		if surface, ok := g.Level.Surface(p.X, prevY); ok && p.VY < 0 && p.Y <= surface {
			p.Y, p.VY, p.InAir = surface, 0, false
		}
		if p.Y < fallLimit {
			p.Dead = true
		}
	} else if surface, ok := g.Level.Surface(p.X, p.Y); !ok || surface < p.Y {
		p.InAir = true
	}

	for _, c := range g.Coins {
		if !c.Taken && abs(c.X-p.X) <= coinRadius && abs(c.Y-p.Y) <= coinRadius {
			c.Taken = true
			g.Score++
			g.Log = append(g.Log, fmt.Sprintf("coin@%d", g.Tics))
		}
	}
	g.Prev = held
	g.Tics++
	return Position{X: p.X, Y: p.Y}
}

// StepKeys derives newly pressed inputs from the previous tick's held set.
func (g *Game) StepKeys(held input.Set) Position {
	return g.Step(held, held.Difference(g.Prev))
}

// Digest hashes the simulation state that must match across replays.
func (g *Game) Digest() string {
	h := sha256.New()
	p := g.Player
	fmt.Fprintf(h, "%d|%v|%v|%v|%v|%d|%v|%d|%d|%s", g.Tics, p.X, p.Y, p.VY, p.InAir, p.Stamina, p.Dead, g.Score, g.Rng.State, g.Prev)
	for _, c := range g.Coins {
		fmt.Fprintf(h, "|%v,%v,%v", c.X, c.Y, c.Taken)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (g *Game) Grounded() bool { return !g.Player.InAir }

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
