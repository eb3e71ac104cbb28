package thread

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Thread provides a background, periodic thread, which invokes the given function every supplied interval.
//
// Sample usage:
//
//	monitorFunc := func(ctx context.Context) {
//	    //do monitoring logic
//	}
//	monitor := thread.New(ctx, log, "Rollout Monitor", 30*time.Second, monitorFunc)
//	monitor.Start()
//	defer monitor.Stop()
//	....
//
// Stop waits for an in-flight invocation to return before stopping the
// thread, so a caller observing Stop() returning knows no exec is running.
type Thread struct {
	ctx              context.Context
	log              logrus.FieldLogger
	exec             func(context.Context)
	stop             chan struct{}
	stopOnce         sync.Once
	done             chan struct{}
	name             string
	interval         time.Duration
	lastRunStartedAt time.Time
}

func New(ctx context.Context, log logrus.FieldLogger, name string, interval time.Duration, exec func(context.Context)) *Thread {
	return &Thread{
		ctx:      ctx,
		log:      log,
		exec:     exec,
		name:     name,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		interval: interval,
	}
}

// Start thread
func (t *Thread) Start() {
	t.log.Infof("Started %s", t.name)
	t.lastRunStartedAt = time.Now()
	go t.loop()
}

// Stop thread
func (t *Thread) Stop() {
	t.log.Infof("Stopping %s", t.name)
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
	t.log.Infof("Stopped %s", t.name)
}

func (t *Thread) LastRunStartedAt() time.Time {
	return t.lastRunStartedAt
}

func (t *Thread) Name() string {
	return t.name
}

func (t *Thread) loop() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.lastRunStartedAt = time.Now()
			t.exec(t.ctx)
		}
	}
}
