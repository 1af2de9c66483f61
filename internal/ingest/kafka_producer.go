// Package ingest journals ride transitions and driver location ticks to
// Kafka for downstream consumers.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

const writeTimeout = 2 * time.Second

var ErrBadTick = errors.New("invalid location tick")

// LocationTick is the record written to the locations topic.
type LocationTick struct {
	DriverID string    `json:"driverId"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	At       time.Time `json:"at"`
}

func (t LocationTick) Coord() models.Coord { return models.Coord{Lat: t.Lat, Lng: t.Lng} }

// RideEvent is the record written to the rides topic.
type RideEvent struct {
	RideID string            `json:"rideId"`
	From   models.RideStatus `json:"from,omitempty"`
	To     models.RideStatus `json:"to"`
	Actor  string            `json:"actor,omitempty"`
	At     time.Time         `json:"at"`
	Ride   *models.Ride      `json:"ride"`
}

// DecodeLocation parses and checks a locations topic record.
func DecodeLocation(b []byte) (LocationTick, error) {
	var t LocationTick
	if err := json.Unmarshal(b, &t); err != nil {
		return LocationTick{}, fmt.Errorf("%w: %v", ErrBadTick, err)
	}
	if t.DriverID == "" || !geo.Valid(t.Coord()) {
		return LocationTick{}, ErrBadTick
	}
	return t, nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes location ticks keyed by driver and ride events keyed
// by ride, so each key stays ordered within its partition.
type KafkaProducer struct {
	locations messageWriter
	rides     messageWriter
}

func NewKafkaProducer(brokers []string, locationsTopic, ridesTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationsTopic, Balancer: &kafka.Hash{}}),
		rides:     kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: ridesTopic, Balancer: &kafka.Hash{}}),
	}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, driverID string, c models.Coord, at time.Time) error {
	b, err := json.Marshal(LocationTick{DriverID: driverID, Lat: c.Lat, Lng: c.Lng, At: at.UTC()})
	if err != nil {
		return err
	}
	return write(ctx, k.locations, kafka.Message{Key: []byte(driverID), Value: b, Time: at})
}

// RecordTransition makes the producer a ride.Journal.
func (k *KafkaProducer) RecordTransition(ctx context.Context, c ride.Change) error {
	b, err := json.Marshal(RideEvent{RideID: c.RideID, From: c.From, To: c.To, Actor: c.Actor, At: c.At.UTC(), Ride: c.Ride})
	if err != nil {
		return err
	}
	return write(ctx, k.rides, kafka.Message{Key: []byte(c.RideID), Value: b, Time: c.At})
}

func write(ctx context.Context, w messageWriter, m kafka.Message) error {
	if w == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return w.WriteMessages(ctx, m)
}

func (k *KafkaProducer) Close() error {
	var errs []error
	for _, w := range []messageWriter{k.locations, k.rides} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}
