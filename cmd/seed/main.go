package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-slot-engine/internal/appointment"
	"github.com/hackgods/telehealth-slot-engine/internal/bootstrap"
	"github.com/hackgods/telehealth-slot-engine/internal/config"
	"github.com/hackgods/telehealth-slot-engine/internal/identity"
	"github.com/hackgods/telehealth-slot-engine/internal/logging"
	"github.com/hackgods/telehealth-slot-engine/internal/slots"
)

var (
	consultationTypes = []string{"initial", "follow-up", "urgent"}
	symptoms          = []string{"persistent cough", "migraine", "lower back pain", "skin rash", "fever and chills", "trouble sleeping"}
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("dev", "error").Fatal("config load error", zap.Error(err))
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).Named("seed")
	defer func() { _ = logger.Sync() }()

	days := getInt("SEED_DAYS", 7)
	perDay := getInt("SEED_PER_DAY", 4)
	logger.Info("seed starting", zap.Int("days", days), zap.Int("per_day", perDay))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := bootstrap.Build(ctx, cfg, nil, logger)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
	defer engine.Close()

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	today := time.Now().In(engine.Calculator.Location())
	booked := 0
	for d := 1; d <= days; d++ {
		date := today.AddDate(0, 0, d).Format(slots.DateLayout)
		n, err := seedDay(ctx, engine, faker, date, perDay, logger)
		if err != nil {
			logger.Fatal("seed day failed", zap.String("date", date), zap.Error(err))
		}
		booked += n
	}

	logger.Info("seed complete", zap.Int("appointments", booked))
}

// seedDay books up to count random open slots on date, each for a new fake
// patient, through the booking coordinator so reminders and events are
// produced the same way live bookings produce them.
func seedDay(ctx context.Context, engine *bootstrap.Engine, faker *gofakeit.Faker, date string, count int, logger *zap.Logger) (int, error) {
	offered, err := engine.Bookings.Availability(ctx, date, "", string(slots.TierUrgent))
	if err != nil {
		return 0, err
	}

	open := make([]slots.OfferedSlot, 0, len(offered))
	for _, s := range offered {
		if s.Available {
			open = append(open, s)
		}
	}
	faker.ShuffleAnySlice(open)

	booked := 0
	for _, s := range open {
		if booked >= count {
			break
		}
		caller := identity.Caller{
			PatientID: uuid.New(),
			Name:      faker.Name(),
			Email:     faker.Email(),
			Phone:     faker.Phone(),
			Country:   faker.RandomString([]string{"IN", "IN", "US", "GB"}),
			Role:      identity.RolePatient,
		}
		appt, err := engine.Bookings.Book(ctx, appointment.BookingRequest{
			Caller:           caller,
			Date:             date,
			TimeSlot:         s.DoctorLabel,
			ConsultationType: faker.RandomString(consultationTypes),
			Tier:             string(slots.TierUrgent),
			Intake: &appointment.Intake{
				Symptoms: faker.RandomString(symptoms),
			},
		})
		if errors.Is(err, appointment.ErrSlotConflict) {
			continue
		}
		if err != nil {
			return booked, err
		}
		booked++
		logger.Debug("seeded appointment",
			zap.String("appointment_id", appt.ID.String()),
			zap.String("date", date),
			zap.String("time_slot", appt.TimeSlot),
		)
	}
	return booked, nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
