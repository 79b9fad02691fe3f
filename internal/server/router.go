package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/config"
	"github.com/Xuniverzadmin/remedyq/internal/lock"
	"github.com/Xuniverzadmin/remedyq/internal/log"
	"github.com/Xuniverzadmin/remedyq/internal/metrics"
	"github.com/Xuniverzadmin/remedyq/internal/outbox"
	"github.com/Xuniverzadmin/remedyq/internal/queue"
	"github.com/Xuniverzadmin/remedyq/internal/stream"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SetupRouter wires the operator API. Administrative operations go
// through the same atomic primitives as automated callers; there is no
// privileged bypass of the mutual-exclusion invariants.
func SetupRouter(r *chi.Mux, cfg *config.Config, db *sql.DB, rdb *redis.Client,
	locks *lock.Manager, q *queue.Queue, grp *stream.Group, deadLetters *stream.DeadLetterStore,
	ob *outbox.Processor, m *metrics.CoordMetrics) {
	logger := log.NewLogger()
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			logger.Error("Database health check failed", zap.Error(err))
			http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			logger.Error("Redis health check failed", zap.Error(err))
			http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Get("/locks", func(w http.ResponseWriter, r *http.Request) {
			locksList, err := locks.List(r.Context())
			if err != nil {
				logger.Error("Failed to list locks", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, locksList)
		})

		r.Post("/locks/release", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Name   string `json:"name"`
				Holder string `json:"holder"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			var released bool
			var err error
			if req.Holder != "" {
				released, err = locks.Release(r.Context(), req.Name, req.Holder)
			} else {
				released, err = locks.ForceRelease(r.Context(), req.Name)
			}
			if err != nil {
				logger.Error("Failed to release lock", zap.Error(err), zap.String("name", req.Name))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, map[string]bool{"released": released})
		})

		r.Post("/queue/enqueue", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Method  string          `json:"method"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Method == "" {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			itemID, err := q.Enqueue(r.Context(), req.Method, req.Payload)
			if err != nil {
				logger.Error("Failed to enqueue item", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			m.QueueEnqueued.Inc()
			logger.Info("Enqueued item", zap.Int64("id", itemID), zap.String("method", req.Method))
			writeJSON(w, logger, map[string]int64{"id": itemID})
		})

		r.Get("/queue/depth", func(w http.ResponseWriter, r *http.Request) {
			ready, inflight, err := q.Depth(r.Context())
			if err != nil {
				logger.Error("Failed to get queue depth", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, map[string]int64{"ready": ready, "inflight": inflight})
		})

		r.Get("/deadletters", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 50
			}
			entries, err := deadLetters.List(r.Context(), limit)
			if err != nil {
				logger.Error("Failed to list dead letters", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, entries)
		})

		r.Post("/deadletters/replay", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				OriginalMsgID string `json:"original_msg_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OriginalMsgID == "" {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			replayedBy := operatorFrom(r.Context())
			newMsgID, already, err := grp.ReplayDeadLetter(r.Context(), req.OriginalMsgID, replayedBy)
			if err != nil {
				logger.Error("Failed to replay dead letter",
					zap.Error(err), zap.String("original_msg_id", req.OriginalMsgID))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !already {
				m.Replayed.Inc()
			}
			writeJSON(w, logger, map[string]interface{}{
				"new_msg_id":      newMsgID,
				"already_existed": already,
			})
		})

		r.Get("/outbox/pending", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 50
			}
			events, err := ob.Pending(r.Context(), limit)
			if err != nil {
				logger.Error("Failed to list pending outbox events", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, events)
		})
	})
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

type claimsKey struct{}

// operatorFrom extracts the authenticated subject for the replay audit
// trail.
func operatorFrom(ctx context.Context) string {
	claims, ok := ctx.Value(claimsKey{}).(jwt.MapClaims)
	if !ok {
		return "unknown"
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub
	}
	return "unknown"
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			claims, _ := token.Claims.(jwt.MapClaims)
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
