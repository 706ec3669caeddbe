// Command loadgen generates realistic demo traffic against a running
// statlake server: logins, task lifecycles, integration calls, API
// requests, and the occasional error.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/statlake/statlake/pkg/client"
	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/obs"
	"github.com/statlake/statlake/pkg/worker"
)

func main() {
	endpoint := flag.String("endpoint", "http://localhost:8080/v1/events/batch", "batch ingest endpoint")
	apiKey := flag.String("api-key", "", "bearer token sent with each batch")
	service := flag.String("service", "loadgen", "service name stamped on events")
	rate := flag.Duration("rate", 50*time.Millisecond, "delay between generated events")
	users := flag.Int("users", 25, "size of the simulated user population")
	flag.Parse()

	metrics := obs.New()
	producer := client.New(client.Config{Service: *service}, metrics)
	sink := worker.NewHTTPSink(*endpoint, *apiKey)
	w := worker.New(producer.Events(), sink, worker.Config{
		FlushInterval: 2 * time.Second,
	}, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil {
			log.Printf("worker: %v", err)
		}
	}()

	population := make([]uuid.UUID, *users)
	for i := range population {
		population[i] = uuid.New()
	}
	log.Printf("generating traffic to %s (%d users, one event per %v)", *endpoint, *users, *rate)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*rate)
	defer ticker.Stop()
	var sent uint64
loop:
	for {
		select {
		case <-ticker.C:
			producer.Track(randomEvent(population))
			sent++
		case <-quit:
			break loop
		}
	}

	log.Printf("shutting down after %d events (%d dropped)", sent, producer.Dropped())
	producer.Close()
	cancel()
	wg.Wait()
}

var providers = []string{"github", "slack", "jira", "linear"}
var endpoints = []string{"/v1/projects", "/v1/tasks", "/v1/integrations", "/v1/users/me"}
var taskTypes = []string{"sync", "export", "report", "cleanup"}

func randomEvent(users []uuid.UUID) event.Event {
	user := users[rand.Intn(len(users))]
	switch rand.Intn(10) {
	case 0:
		ok := rand.Intn(10) > 1
		loginErr := ""
		if !ok {
			loginErr = "bad password"
		}
		return event.AuthLoginAttempt(&user, user.String()[:8]+"@example.com", ok, loginErr)
	case 1:
		return event.TaskCreated(uuid.New(), user, nil, nil, taskTypes[rand.Intn(len(taskTypes))])
	case 2:
		dur := int64(rand.Intn(5000))
		if rand.Intn(10) == 0 {
			return event.TaskFailed(uuid.New(), user, &dur, nil, "worker crashed")
		}
		return event.TaskCompleted(uuid.New(), user, dur, 0)
	case 3:
		provider := providers[rand.Intn(len(providers))]
		if rand.Intn(12) == 0 {
			return event.IntegrationError(uuid.New(), user, provider, "rate limited")
		}
		return event.IntegrationUsed(uuid.New(), user, provider, "fetch")
	case 4:
		return event.ApplicationError("loadgen", "timeout", "upstream deadline exceeded", &user, nil)
	default:
		status := 200
		switch rand.Intn(20) {
		case 0:
			status = 500
		case 1:
			status = 404
		}
		return event.APIRequest("loadgen", endpoints[rand.Intn(len(endpoints))], "GET",
			status, int64(rand.Intn(800)), &user)
	}
}
