package utils

import (
	"slices"

	"github.com/nats-io/nats.go"
)

// StreamConfigEqual reports whether the click ingest stream already matches
// the desired configuration. Only fields we set are compared.
func StreamConfigEqual(a, b nats.StreamConfig) bool {
	return a.Name == b.Name &&
		a.Retention == b.Retention &&
		a.MaxAge == b.MaxAge &&
		a.Storage == b.Storage &&
		slices.Equal(a.Subjects, b.Subjects)
}

// ConsumerConfigEqual compares the durable pull consumer settings we own.
func ConsumerConfigEqual(a, b nats.ConsumerConfig) bool {
	return a.Durable == b.Durable &&
		a.AckPolicy == b.AckPolicy &&
		a.AckWait == b.AckWait &&
		a.FilterSubject == b.FilterSubject &&
		a.MaxDeliver == b.MaxDeliver
}
