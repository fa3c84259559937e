package db

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	Driver          string `json:"driver"`
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		Driver:          "postgres",
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler serves /health/db for the Postgres store.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return healthHandler(pool.Ping, func() *PoolStats { return GetPoolStats(pool) })
}

// SQLiteHealthHandler serves /health/db for the embedded store.
func SQLiteHealthHandler(gdb *gorm.DB) echo.HandlerFunc {
	ping := func(ctx context.Context) error {
		sqlDB, err := gdb.DB()
		if err != nil {
			return fmt.Errorf("resolve sqlite handle: %w", err)
		}
		return sqlDB.PingContext(ctx)
	}
	stats := func() *PoolStats {
		s := &PoolStats{Driver: "sqlite"}
		sqlDB, err := gdb.DB()
		if err != nil {
			return s
		}
		st := sqlDB.Stats()
		s.TotalConns = int32(st.OpenConnections)
		s.IdleConns = int32(st.Idle)
		s.AcquiredConns = int32(st.InUse)
		s.MaxConns = int32(st.MaxOpenConnections)
		s.AcquireCount = st.WaitCount
		s.AcquireDuration = st.WaitDuration.String()
		s.Healthy = true
		return s
	}
	return healthHandler(ping, stats)
}

func healthHandler(ping func(context.Context) error, stats func() *PoolStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := ping(ctx)
		st := stats()

		if err != nil {
			st.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   st,
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   st,
		})
	}
}
