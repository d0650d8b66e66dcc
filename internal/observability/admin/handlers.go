package admin

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/pprof"

	"cronwheel/internal/scheduler"
	"cronwheel/internal/storage"
)

const maxRunsLimit = 500

type scheduleView struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Expr    string    `json:"expr"`
	Kind    string    `json:"kind"`
	Next    time.Time `json:"next"`
	Prev    time.Time `json:"prev,omitzero"`
	Fires   uint64    `json:"fires"`
	Timeout string    `json:"timeout,omitempty"`
}

type statusView struct {
	Enabled   bool        `json:"enabled"`
	Running   bool        `json:"running"`
	Timezone  string      `json:"timezone"`
	Schedules int         `json:"schedules"`
	Pending   int         `json:"pending"`
	Tiers     int         `json:"tiers"`
	Engine    *engineView `json:"engine,omitempty"`
	Now       time.Time   `json:"now"`
}

type engineView struct {
	Enabled      bool   `json:"enabled"`
	Workers      int    `json:"workers"`
	QueueLen     int    `json:"queue_len"`
	QueueCap     int    `json:"queue_cap"`
	InFlight     int    `json:"in_flight"`
	Dropped      uint64 `json:"dropped"`
	CircuitOpen  int    `json:"circuit_open"`
	CircuitTotal int    `json:"circuit_total"`
}

// handler builds the fiber app for cfg.
func (s *Service) handler(cfg Config) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "cronwheeld",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
	})

	app.Use(withToken(cfg.Token))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Get("/status", s.status)
	app.Get("/schedules", s.schedules)
	app.Get("/runs", s.runs)

	if cfg.Profiling {
		app.Use(pprof.New())
	}
	return app
}

func (s *Service) status(c *fiber.Ctx) error {
	snap := s.src.Snapshot()
	v := statusView{
		Enabled:   snap.Enabled,
		Running:   snap.Running,
		Timezone:  snap.Timezone,
		Schedules: len(snap.Schedules),
		Pending:   snap.Wheel.Pending,
		Tiers:     len(snap.Wheel.Tiers),
		Now:       snap.Wheel.Now,
	}
	if es := snap.Engine; es != nil {
		v.Engine = &engineView{
			Enabled:      es.Enabled,
			Workers:      es.Workers,
			QueueLen:     es.QueueLen,
			QueueCap:     es.QueueCap,
			InFlight:     es.InFlight,
			Dropped:      es.Dropped,
			CircuitOpen:  es.CircuitOpen,
			CircuitTotal: es.CircuitTotal,
		}
	}
	return c.JSON(v)
}

func (s *Service) schedules(c *fiber.Ctx) error {
	snap := s.src.Snapshot()
	out := make([]scheduleView, 0, len(snap.Schedules))
	for _, sc := range snap.Schedules {
		out = append(out, toScheduleView(sc))
	}
	return c.JSON(out)
}

func toScheduleView(sc scheduler.ScheduleInfo) scheduleView {
	v := scheduleView{
		ID:    sc.ID.String(),
		Name:  sc.Name,
		Expr:  sc.Expr,
		Kind:  sc.Kind,
		Next:  sc.Next,
		Prev:  sc.Prev,
		Fires: sc.Fires,
	}
	if sc.Timeout > 0 {
		v.Timeout = sc.Timeout.String()
	}
	return v
}

func (s *Service) runs(c *fiber.Ctx) error {
	if s.hist == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "run history is disabled"})
	}
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > maxRunsLimit {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be between 1 and 500"})
	}
	runs, err := s.hist.RecentRuns(c.UserContext(), strings.TrimSpace(c.Query("task")), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	return c.JSON(runs)
}

// withToken accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func withToken(token string) fiber.Handler {
	tok := strings.TrimSpace(token)
	return func(c *fiber.Ctx) error {
		if tok == "" {
			return c.Next()
		}
		if got := c.Query("token"); got != "" {
			if tokenMatches(got, tok) {
				return c.Next()
			}
			return unauthorized(c)
		}
		if ah := c.Get(fiber.HeaderAuthorization); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && tokenMatches(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
				return c.Next()
			}
		}
		return unauthorized(c)
	}
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(c *fiber.Ctx) error {
	c.Set(fiber.HeaderWWWAuthenticate, "Bearer")
	return c.Status(fiber.StatusUnauthorized).SendString("unauthorized")
}
