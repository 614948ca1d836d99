package mq_test

import (
	"context"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/hydro-ingest/pkg/mq"
)

var _ = Describe("MQ Client", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	Describe("New", func() {
		It("should create a new client instance", func() {
			client := mq.New("ingest-jobs", "amqp://localhost:5672", logger)
			Expect(client).NotTo(BeNil())
		})
	})

	Describe("Push", func() {
		Context("when not connected", func() {
			It("should retry with backoff until the context expires", func() {
				client := mq.New("ingest-jobs", "amqp://invalid:5672", logger)

				time.Sleep(100 * time.Millisecond)

				ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
				defer cancel()

				start := time.Now()
				err := client.Push(ctx, []byte(`{"job_id":"x"}`))
				elapsed := time.Since(start)

				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(SatisfyAny(
					ContainSubstring("context deadline exceeded"),
					ContainSubstring("context canceled"),
				))
				Expect(elapsed).To(BeNumerically(">=", 100*time.Millisecond))
			})

			It("should give up after the maximum retry attempts", func() {
				client := mq.New("ingest-jobs", "amqp://invalid:5672", logger)

				time.Sleep(100 * time.Millisecond)

				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()

				start := time.Now()
				err := client.Push(ctx, []byte(`{"job_id":"x"}`))
				elapsed := time.Since(start)

				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("maximum retry attempts exceeded"))
				// 5 backoff waits: 100ms + 200ms + 400ms + 800ms + 1600ms
				Expect(elapsed).To(BeNumerically(">=", 3*time.Second))
				Expect(elapsed).To(BeNumerically("<", 10*time.Second))
			})
		})
	})

	Describe("UnsafePush", func() {
		Context("when not connected", func() {
			It("should return an error immediately", func() {
				client := mq.New("ingest-jobs", "amqp://invalid:5672", logger)

				time.Sleep(100 * time.Millisecond)

				err := client.UnsafePush(context.Background(), []byte("payload"))
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("not connected"))
			})
		})
	})

	Describe("Consume", func() {
		Context("when not connected", func() {
			It("should return an error", func() {
				client := mq.New("ingest-jobs", "amqp://invalid:5672", logger)

				time.Sleep(100 * time.Millisecond)

				_, err := client.Consume()
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("not connected"))
			})
		})
	})

	Describe("Close", func() {
		Context("when never connected", func() {
			It("should report already closed", func() {
				client := mq.New("ingest-jobs", "amqp://invalid:5672", logger)

				err := client.Close()
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("already closed"))
			})
		})
	})
})
