// Command nsq-monitor exports the depth of the relay topics to Prometheus.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/nexus/internal/config"
	"github.com/austindbirch/nexus/internal/logging"
)

// NSQStats is the part of nsqd's /stats?format=json document we read.
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

type monitor struct {
	nsqdHTTP string
	topics   map[string]bool
	client   *http.Client
	logger   *logging.Logger

	backlog         prometheus.Gauge
	topicDepth      *prometheus.GaugeVec
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
}

func newMonitor(reg prometheus.Registerer, nsqdHTTP string, topics ...string) *monitor {
	m := &monitor{
		nsqdHTTP: nsqdHTTP,
		topics:   make(map[string]bool, len(topics)),
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logging.New("nsq-monitor"),
		// Messages not yet consumed across every relay topic and its channels.
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_relay_backlog",
			Help: "Total number of relayed messages waiting in NSQ",
		}),
		topicDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nexus_relay_topic_depth",
			Help: "Depth of the relay topics before channel fan-out",
		}, []string{"topic"}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nexus_relay_channel_depth",
			Help: "Depth of NSQ channels on the relay topics",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nexus_relay_channel_inflight",
			Help: "In-flight messages for NSQ channels on the relay topics",
		}, []string{"topic", "channel"}),
	}
	for _, t := range topics {
		if t != "" {
			m.topics[t] = true
		}
	}
	reg.MustRegister(m.backlog, m.topicDepth, m.channelDepth, m.channelInflight)
	return m
}

func (m *monitor) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.update(ctx); err != nil {
			m.logger.WithContext(ctx).WithError(err).Warn("error updating relay metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *monitor) update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json", m.nsqdHTTP), nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned status %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	// Drop series for channels that have gone away since the last poll.
	m.channelDepth.Reset()
	m.channelInflight.Reset()

	var backlog int64
	for _, topic := range stats.Topics {
		if !m.topics[topic.TopicName] {
			continue
		}
		backlog += topic.Depth
		m.topicDepth.WithLabelValues(topic.TopicName).Set(float64(topic.Depth))
		for _, channel := range topic.Channels {
			backlog += channel.Depth
			m.channelDepth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
			m.channelInflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
		}
	}
	m.backlog.Set(float64(backlog))
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func main() {
	cfg := config.FromEnv()
	port := getEnv("NSQ_MONITOR_PORT", "8084")
	interval := time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 15)) * time.Second

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := newMonitor(reg, cfg.Relay.NsqdHTTPAddr, cfg.Relay.Topic, cfg.Relay.DLQTopic)

	m.logger.Plain().WithFields(map[string]any{
		"port":     port,
		"nsqd":     cfg.Relay.NsqdHTTPAddr,
		"topics":   []string{cfg.Relay.Topic, cfg.Relay.DLQTopic},
		"interval": interval.String(),
	}).Info("NSQ monitor starting")

	go m.run(ctx, interval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		m.logger.Plain().WithError(err).Fatal("metrics server failed")
	}
}
