package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/homesense/event-resolver/internal/ingest"
	"github.com/homesense/event-resolver/internal/models"
)

// step is one message of a scenario, offset in seconds from the scenario start.
type step struct {
	Offset int64
	Event  *models.RawEvent
	State  *models.UnitState
}

func event(offset int64, unit int, codeType, code string) step {
	return step{Offset: offset, Event: &models.RawEvent{UnitNum: unit, EventCodeType: codeType, EventCode: code}}
}

func state(offset int64, unit int, presence models.Presence) step {
	return step{Offset: offset, State: &models.UnitState{UnitNum: unit, Presence: presence}}
}

var scenarios = map[string][]step{
	"garage-arrival": {
		event(0, 8, "O", "O"),
		event(95, 8, "O", "C"),
		state(100, 8, models.PresencePresent),
	},
	"garage-departure": {
		event(0, 8, "O", "O"),
		event(60, 8, "O", "C"),
		state(70, 8, models.PresenceAbsent),
	},
	"front-leaving": {
		event(-30, 3, "M", "D"),
		event(0, 6, "O", "O"),
		event(12, 4, "M", "D"),
	},
	"front-arriving": {
		event(-5, 4, "M", "D"),
		event(0, 6, "O", "O"),
		event(20, 3, "M", "D"),
	},
}

func main() {
	var (
		addr    string
		brokers string
		topic   string
	)
	flag.StringVar(&addr, "addr", ":8080", "HTTP listen address")
	flag.StringVar(&brokers, "brokers", "localhost:9092", "Comma separated Kafka brokers")
	flag.StringVar(&topic, "topic", "sensor-events", "Sensor event topic")
	flag.Parse()

	logger := log.New(log.Writer(), "sensor-sim ", log.LstdFlags|log.Lmicroseconds)
	writer := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	defer writer.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/scenarios", func(w http.ResponseWriter, _ *http.Request) {
		names := make([]string, 0, len(scenarios))
		for name := range scenarios {
			names = append(names, name)
		}
		sort.Strings(names)
		writeJSON(w, map[string]any{"scenarios": names})
	})

	mux.HandleFunc("/api/v1/scenarios/", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		name := strings.TrimPrefix(r.URL.Path, "/api/v1/scenarios/")
		steps, ok := scenarios[name]
		if !ok {
			http.Error(w, "unknown scenario", http.StatusNotFound)
			return
		}

		start := time.Now().Unix()
		if v := r.URL.Query().Get("start"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "start must be an epoch in seconds", http.StatusBadRequest)
				return
			}
			start = parsed
		}

		msgs, err := render(steps, start)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := writer.WriteMessages(ctx, msgs...); err != nil {
			logger.Printf("publish %s: %v", name, err)
			http.Error(w, "publish failed", http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{"scenario": name, "start": start, "messages": len(msgs)})
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s, publishing to %s", addr, topic)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// render stamps each step with start+offset and encodes it in hub wire format.
func render(steps []step, start int64) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(steps))
	for _, s := range steps {
		var (
			unit    int
			payload []byte
			err     error
		)
		switch {
		case s.Event != nil:
			ev := *s.Event
			ev.DeviceEpoch = start + s.Offset
			unit = ev.UnitNum
			payload, err = ingest.EncodeRawEvent(ev)
		case s.State != nil:
			st := *s.State
			st.DeviceEpoch = start + s.Offset
			unit = st.UnitNum
			payload, err = ingest.EncodeUnitState(st)
		}
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(strconv.Itoa(unit)), Value: payload})
	}
	return msgs, nil
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
