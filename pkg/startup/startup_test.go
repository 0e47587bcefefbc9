package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/logging"
)

type recorder struct {
	events []string
}

func (r *recorder) dep(name string, needs ...string) Func {
	return Func{
		Name:    name,
		Needs:   needs,
		StartFn: func(context.Context) error { r.events = append(r.events, "start "+name); return nil },
		StopFn:  func(context.Context) error { r.events = append(r.events, "stop "+name); return nil },
	}
}

func TestStartup(t *testing.T) {
	t.Run("should start dependencies first and stop in reverse", func(t *testing.T) {
		r := &recorder{}
		s := NewStartup(logging.NewNop(), 1)
		s.AddDependency(r.dep("server", "engine"))
		s.AddDependency(r.dep("database"))
		s.AddDependency(r.dep("engine", "database", "redis"))
		s.AddDependency(r.dep("redis"))

		require.NoError(t, s.Start(context.Background()))
		require.NoError(t, s.Stop(context.Background()))

		assert.Equal(t, []string{
			"start database", "start redis", "start engine", "start server",
			"stop server", "stop engine", "stop redis", "stop database",
		}, r.events)
		assert.Equal(t, StatusStopped, s.Status("database"))
	})

	t.Run("should retry failed attempts without restarting started dependencies", func(t *testing.T) {
		r := &recorder{}
		failures := 1
		flaky := Func{
			Name:  "redis",
			Needs: []string{"database"},
			StartFn: func(context.Context) error {
				if failures > 0 {
					failures--
					return errors.New("connection refused")
				}
				r.events = append(r.events, "start redis")
				return nil
			},
		}

		s := NewStartup(logging.NewNop(), 3)
		s.backoffUnit = time.Millisecond
		s.AddDependency(r.dep("database"))
		s.AddDependency(flaky)

		require.NoError(t, s.Start(context.Background()))
		assert.Equal(t, []string{"start database", "start redis"}, r.events)
	})

	t.Run("should give up after the last attempt", func(t *testing.T) {
		s := NewStartup(logging.NewNop(), 2)
		s.backoffUnit = time.Millisecond
		s.AddDependency(Func{Name: "kafka", StartFn: func(context.Context) error { return errors.New("no brokers") }})

		err := s.Start(context.Background())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "no brokers")
		assert.Equal(t, StatusFailed, s.Status("kafka"))
	})

	t.Run("should reject unknown and cyclic dependencies", func(t *testing.T) {
		s := NewStartup(logging.NewNop(), 1)
		s.AddDependency(Func{Name: "a", Needs: []string{"missing"}})
		assert.Error(t, s.Start(context.Background()))

		s = NewStartup(logging.NewNop(), 1)
		s.AddDependency(Func{Name: "a", Needs: []string{"b"}})
		s.AddDependency(Func{Name: "b", Needs: []string{"a"}})
		assert.Error(t, s.Start(context.Background()))
	})
}
