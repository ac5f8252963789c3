package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-slot-engine/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Date         string
	TimeSlot     string
	Timezone     string
	Collisions   int
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	ReadRatio    float64
	Patients     int
}

type patient struct {
	ID      uuid.UUID
	Name    string
	Email   string
	Country string
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Collision    OperationMetrics
	Availability OperationMetrics
	Booking      OperationMetrics
	ListOwn      OperationMetrics
}

type Simulator struct {
	config   SimConfig
	patients []patient
	client   *http.Client
	metrics  Metrics
	logger   *zap.Logger
}

func main() {
	logger := logging.New(getEnv("APP_ENV", "dev"), getEnv("LOG_LEVEL", "info")).Named("simulate")
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	sim := &Simulator{
		config:   cfg,
		patients: fakePatients(cfg.Patients),
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}

	ctx := context.Background()
	if sim.config.TimeSlot == "" {
		slot, err := sim.firstOpenSlot(ctx)
		if err != nil {
			logger.Fatal("pick slot", zap.Error(err))
		}
		sim.config.TimeSlot = slot
	}

	logger.Info("simulator starting",
		zap.String("date", sim.config.Date),
		zap.String("time_slot", sim.config.TimeSlot),
		zap.Int("collisions", cfg.Collisions),
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
	)

	sim.RunCollision(ctx)
	sim.RunLoad()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Date:         getEnv("SIM_DATE", time.Now().AddDate(0, 0, 1).Format("2006-01-02")),
		TimeSlot:     os.Getenv("SIM_TIME_SLOT"),
		Timezone:     os.Getenv("SIM_TIMEZONE"),
		Collisions:   getInt("SIM_COLLISIONS", 20),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.3),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.7),
		Patients:     getInt("SIM_PATIENTS", 200),
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Collisions < 2 {
		return fmt.Errorf("SIM_COLLISIONS must be >= 2")
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("SIM_WORKERS must be >= 0")
	}
	if cfg.Patients < cfg.Collisions {
		return fmt.Errorf("SIM_PATIENTS must be >= SIM_COLLISIONS")
	}
	return nil
}

func fakePatients(n int) []patient {
	faker := gofakeit.New(uint64(time.Now().UnixNano()))
	out := make([]patient, n)
	for i := range out {
		out[i] = patient{
			ID:      uuid.New(),
			Name:    faker.Name(),
			Email:   faker.Email(),
			Country: faker.RandomString([]string{"IN", "US", "GB"}),
		}
	}
	return out
}

type offeredSlot struct {
	DoctorLabel string `json:"doctor_label"`
	Available   bool   `json:"available"`
}

func (s *Simulator) availability(ctx context.Context, date string) ([]offeredSlot, int, error) {
	url := fmt.Sprintf("%s/availability?date=%s&tier=urgent", s.config.APIBaseURL, date)
	if s.config.Timezone != "" {
		url += "&timezone=" + s.config.Timezone
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var body struct {
		Slots []offeredSlot `json:"slots"`
	}
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, resp.StatusCode, err
		}
	}
	return body.Slots, resp.StatusCode, nil
}

func (s *Simulator) firstOpenSlot(ctx context.Context) (string, error) {
	offered, status, err := s.availability(ctx, s.config.Date)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("availability returned %d", status)
	}
	for _, o := range offered {
		if o.Available {
			return o.DoctorLabel, nil
		}
	}
	return "", fmt.Errorf("no open slot on %s", s.config.Date)
}

func (s *Simulator) book(ctx context.Context, p patient, date, slot string) (int, error) {
	body, _ := json.Marshal(map[string]string{
		"date":              date,
		"time_slot":         slot,
		"consultation_type": "urgent",
		"tier":              "urgent",
	})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	setCaller(req, p)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func setCaller(req *http.Request, p patient) {
	req.Header.Set("X-Patient-ID", p.ID.String())
	req.Header.Set("X-Patient-Name", p.Name)
	req.Header.Set("X-Patient-Email", p.Email)
	req.Header.Set("X-Patient-Country", p.Country)
}

// RunCollision fires every collision request at the same slot at once.
// Exactly one should come back 201 and the rest 409.
func (s *Simulator) RunCollision(ctx context.Context) {
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < s.config.Collisions; i++ {
		wg.Add(1)
		go func(p patient) {
			defer wg.Done()
			<-start
			t0 := time.Now()
			status, err := s.book(ctx, p, s.config.Date, s.config.TimeSlot)
			s.metrics.Collision.Record(time.Since(t0), err == nil && status == http.StatusCreated, err == nil && status == http.StatusConflict)
		}(s.patients[i])
	}
	close(start)
	wg.Wait()

	if created := atomic.LoadInt64(&s.metrics.Collision.Success); created != 1 {
		s.logger.Error("collision check failed", zap.Int64("created", created))
	}
}

func (s *Simulator) RunLoad() {
	if s.config.Workers == 0 || s.config.Duration <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info("starting load phase", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info("load phase complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			p := s.patients[rng.Intn(len(s.patients))]
			date := time.Now().AddDate(0, 0, 1+rng.Intn(14)).Format("2006-01-02")
			if rng.Float64() < s.config.BookingRatio {
				s.doBooking(ctx, rng, p, date)
			} else if rng.Intn(2) == 0 {
				s.doAvailability(ctx, date)
			} else {
				s.doListOwn(ctx, p)
			}
		}
	}
}

func (s *Simulator) doAvailability(ctx context.Context, date string) {
	start := time.Now()
	_, status, err := s.availability(ctx, date)
	s.metrics.Availability.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand, p patient, date string) {
	// Urgent window 10:00-22:00 doctor time, half-hour steps.
	minute := 10*60 + 30*rng.Intn(24)
	slot := time.Date(2000, 1, 1, minute/60, minute%60, 0, 0, time.UTC).Format("03:04 PM")

	start := time.Now()
	status, err := s.book(ctx, p, date, slot)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Booking.Record(latency, err == nil && status == http.StatusCreated, err == nil && status == http.StatusConflict)
}

func (s *Simulator) doListOwn(ctx context.Context, p patient) {
	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+"/appointments?limit=20", nil)
	setCaller(req, p)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.ListOwn.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Collision slot: %s %s (%d concurrent requests)\n", s.config.Date, s.config.TimeSlot, s.config.Collisions)
	fmt.Printf("Load: %s with %d workers\n", s.config.Duration, s.config.Workers)
	fmt.Println()

	printOperationReport("Same-slot collision", &s.metrics.Collision)
	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("List own appointments", &s.metrics.ListOwn)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Created/OK: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
