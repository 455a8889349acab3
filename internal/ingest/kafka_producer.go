package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/models"
)

type EventKind string

const (
	TripCreated       EventKind = "trip.created"
	TripStatusChanged EventKind = "trip.status_changed"
	TripCancelled     EventKind = "trip.cancelled"
	TripCompleted     EventKind = "trip.completed"
	SeatBooked        EventKind = "trip.seat_booked"
	SeatReleased      EventKind = "trip.seat_released"
)

// TripEvent is a domain event published for downstream consumers.
type TripEvent struct {
	Kind           EventKind         `json:"kind"`
	TripID         string            `json:"trip_id"`
	DriverID       string            `json:"driver_id"`
	PassengerID    string            `json:"passenger_id,omitempty"`
	Status         models.TripStatus `json:"status"`
	AvailableSeats int               `json:"available_seats"`
	At             time.Time         `json:"at"`
}

// LocationPing is a driver position report for an ACTIVE trip.
type LocationPing struct {
	TripID   string    `json:"trip_id"`
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	SpeedKmh float64   `json:"speed_kmh"`
	Bearing  float64   `json:"bearing"`
	Accuracy float64   `json:"accuracy,omitempty"`
	At       time.Time `json:"at"`
}

// Validate checks the ping carries a trip, its driver and a real coordinate.
func (p LocationPing) Validate() error {
	if p.TripID == "" {
		return fmt.Errorf("location ping without trip_id")
	}
	if p.DriverID == "" {
		return fmt.Errorf("location ping without driver_id")
	}
	if !(models.Coord{Lat: p.Lat, Lon: p.Lon}).Valid() {
		return fmt.Errorf("location ping with invalid coordinate %f,%f", p.Lat, p.Lon)
	}
	return nil
}

type KafkaProducer struct {
	writer        *kafka.Writer
	eventTopic    string
	locationTopic string
}

func NewKafkaProducer(brokers []string, eventTopic, locationTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, eventTopic: eventTopic, locationTopic: locationTopic}
}

// PublishTrip writes a trip event keyed by trip id, so one trip's events
// stay ordered within a partition.
func (k *KafkaProducer) PublishTrip(ctx context.Context, e TripEvent) error {
	return k.write(ctx, k.eventTopic, e.TripID, e)
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, p LocationPing) error {
	return k.write(ctx, k.locationTopic, p.TripID, p)
}

func (k *KafkaProducer) write(ctx context.Context, topic, key string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
