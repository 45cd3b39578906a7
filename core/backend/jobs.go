package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/juaninavos/jerseymarket/core"
	"github.com/juaninavos/jerseymarket/core/csql"
	"github.com/juaninavos/jerseymarket/core/logger"
)

// Event is a higher level event. Receive them with HandleEvent(), raise them with RaiseEvent(),
// schedule them with ScheduleEvent()
type Event struct {
	Type       string
	Key        string
	Resource   string
	ResourceID uuid.UUID
	Payload    []byte
}

// WithPayload adds a payload to an event. Payload can be an object or a []byte
func (e Event) WithPayload(payload interface{}) Event {
	data, ok := payload.([]byte)
	if !ok {
		data, _ = json.Marshal(payload)
	}
	e.Payload = data
	return e
}

func (e Event) String() string {
	return e.Type + "(" + e.Resource + ":" + e.ResourceID.String() + ")"
}

type job struct {
	Serial       int
	Job          string
	Type         string
	Key          string
	Resource     string
	ResourceID   uuid.UUID
	Payload      []byte
	Timestamp    time.Time
	AttemptsLeft int
	ContextData  []byte
}

// event returns the job as high-level event together with a context carrying the
// logger of the request which raised it
func (j *job) event() (Event, context.Context) {
	ctx := logger.ContextWithLoggerFromData(context.Background(), j.ContextData)
	return Event{Type: j.Type, Key: j.Key, Resource: j.Resource, ResourceID: j.ResourceID, Payload: j.Payload}, ctx
}

type txJob struct {
	job
	tx *sql.Tx
}

// rowQueryer is implemented by *sql.DB and *sql.Tx
type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// failingJobsCondition selects jobs which failed at least twice but are still scheduled
// for a retry. A job in its first attempt is not failing yet.
const failingJobsCondition = `attempts_left > 0 AND attempts_left < 3`

func (b *Backend) createJobsTable() error {
	_, err := b.db.Exec(b.db.WithSchema(`CREATE table IF NOT EXISTS {schema}."_job_"
(serial SERIAL,
job VARCHAR NOT NULL,
type VARCHAR NOT NULL DEFAULT '',
key VARCHAR NOT NULL DEFAULT '',
resource VARCHAR NOT NULL DEFAULT '',
resource_id uuid NOT NULL DEFAULT uuid_nil(),
payload JSON NOT NULL DEFAULT'{}'::json,
timestamp TIMESTAMP NOT NULL DEFAULT now(),
attempts_left INTEGER NOT NULL,
context JSON NOT NULL DEFAULT'{}'::json,
scheduled_at TIMESTAMP,
PRIMARY KEY(serial)
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_event_compression ON {schema}._job_(type,key,resource,resource_id) WHERE job = 'event' AND attempts_left>0;
CREATE index IF NOT EXISTS jobs_scheduled_at_index ON {schema}._job_(scheduled_at);
`))
	if err != nil {
		return fmt.Errorf("cannot create job table: %w", err)
	}
	return nil
}

func (b *Backend) handleJobs(router *mux.Router) {
	b.jobsInsertQuery = b.db.WithSchema(`INSERT INTO {schema}."_job_"
(job,type,key,resource,resource_id,payload,timestamp,attempts_left,context,scheduled_at)
VALUES($1,$2,$3,$4,$5,$6,$7,4,$8,$9) ON CONFLICT (type,key,resource,resource_id) WHERE job = 'event' AND attempts_left>0
DO UPDATE SET payload=$6,timestamp=$7,attempts_left=4,context=$8,
scheduled_at=CASE WHEN $9::TIMESTAMP IS NULL THEN _job_.scheduled_at ELSE $9::TIMESTAMP END
RETURNING serial;`)

	b.jobsInsertIfNotExistQuery = b.db.WithSchema(`INSERT INTO {schema}."_job_"
(job,type,key,resource,resource_id,payload,timestamp,attempts_left,context,scheduled_at)
VALUES($1,$2,$3,$4,$5,$6,$7,4,$8,$9) ON CONFLICT (type,key,resource,resource_id) WHERE job = 'event' AND attempts_left>0
DO UPDATE SET attempts_left=4 RETURNING serial;`)

	b.jobsUpdateQuery = b.db.WithSchema(`UPDATE {schema}."_job_"
SET attempts_left = attempts_left - 1,
scheduled_at = CASE WHEN attempts_left>3 then $2 WHEN attempts_left=3 THEN $3 ELSE $4 END::TIMESTAMP
WHERE serial = (
SELECT serial
 FROM {schema}."_job_"
 WHERE attempts_left > 0 AND (scheduled_at IS NULL OR $1 > scheduled_at)
 ORDER BY serial
 FOR UPDATE SKIP LOCKED
 LIMIT 1
)
RETURNING serial, job, type, key, resource, resource_id, payload, timestamp, attempts_left, context;`)

	b.jobsDeleteQuery = b.db.WithSchema(`DELETE FROM {schema}."_job_"
WHERE serial = $1 AND attempts_left < 4 RETURNING serial;`)

	b.jobsCancelQuery = b.db.WithSchema(`DELETE FROM {schema}."_job_"
WHERE job = $1 AND type = $2 AND key = $3 AND resource = $4 AND resource_id = $5 AND attempts_left > 0 RETURNING serial;`)

	logger.Default().Debugln("job processing pipelines")
	logger.Default().Debugln("  handle route: /health GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		b.health(w, r, false)
	}).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/health/purge", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		b.purgeHealth(w, r)
	}).Methods(http.MethodOptions, http.MethodPut)
	router.HandleFunc("/health/details", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !requireAdmin(w, r) {
			return
		}
		b.health(w, r, true)
	}).Methods(http.MethodOptions, http.MethodGet)
}

// JobDetail is detail on a job for the health endpoint
type JobDetail struct {
	Serial       int64      `json:"serial"`
	Job          string     `json:"job"`
	Type         string     `json:"type"`
	Key          string     `json:"key"`
	Resource     string     `json:"resource"`
	ResourceID   string     `json:"resource_id"`
	AttemptsLeft int64      `json:"attempts_left"`
	Timestamp    time.Time  `json:"timestamp"`
	ScheduledAt  *time.Time `json:"scheduled_at"`
}

// Health contains the backend's health status
type Health struct {
	Jobs struct {
		Failed  int64       `json:"failed"`
		Failing int64       `json:"failing"`
		Overdue int64       `json:"overdue"`
		Details []JobDetail `json:"details,omitempty"`
	} `json:"jobs"`
}

// Health returns the backend's health status
func (b *Backend) Health(ctx context.Context, includeDetails bool) (Health, error) {
	health := Health{}
	jobs := &health.Jobs

	// failed jobs have no attempts left
	err := b.db.QueryRowContext(ctx, b.db.WithSchema(`SELECT count(*) FROM {schema}._job_ WHERE attempts_left = 0;`)).Scan(&jobs.Failed)
	if err != nil {
		return health, err
	}

	err = b.db.QueryRowContext(ctx, b.db.WithSchema(`SELECT count(*) FROM {schema}._job_ WHERE `+failingJobsCondition+`;`)).Scan(&jobs.Failing)
	if err != nil {
		return health, err
	}

	tenMinutesAgo := b.now().UTC().Add(-10 * time.Minute)

	// overdue jobs should have been executed at least ten minutes ago
	err = b.db.QueryRowContext(ctx, b.db.WithSchema(`SELECT count(*) FROM {schema}._job_ WHERE attempts_left > 0 AND
((scheduled_at IS NULL AND $1 > timestamp) OR (scheduled_at IS NOT NULL AND $1 > scheduled_at));`), tenMinutesAgo).Scan(&jobs.Overdue)
	if err != nil {
		return health, err
	}

	if includeDetails {
		rows, err := b.db.QueryContext(ctx, b.db.WithSchema(`SELECT serial, job, type, key, resource, resource_id, timestamp, attempts_left, scheduled_at FROM {schema}._job_ WHERE
attempts_left = 0 OR (attempts_left > 0 AND ((scheduled_at IS NULL AND $1 > timestamp) OR (scheduled_at IS NOT NULL AND $1 > scheduled_at)))
ORDER BY serial;`), tenMinutesAgo)
		if err != nil {
			if err == csql.ErrNoRows {
				return health, nil
			}
			return health, err
		}
		defer rows.Close()
		for rows.Next() {
			var detail JobDetail
			err := rows.Scan(
				&detail.Serial,
				&detail.Job,
				&detail.Type,
				&detail.Key,
				&detail.Resource,
				&detail.ResourceID,
				&detail.Timestamp,
				&detail.AttemptsLeft,
				&detail.ScheduledAt,
			)
			if err != nil {
				return health, err
			}
			jobs.Details = append(jobs.Details, detail)
		}
		if err := rows.Err(); err != nil {
			return health, err
		}
	}
	return health, nil
}

// HealthPurge deletes old health data. Currently this is only failed jobs
func (b *Backend) HealthPurge(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, b.db.WithSchema(`DELETE FROM {schema}._job_ WHERE attempts_left = 0;`))
	return err
}

func (b *Backend) health(w http.ResponseWriter, r *http.Request, includeDetails bool) {
	rlog := logger.FromContext(r.Context())
	health, err := b.Health(r.Context(), includeDetails)
	if err != nil {
		rlog.WithError(err).Errorln("Error 4222: cannot query database")
		http.Error(w, core.ErrorCode(4222, ""), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (b *Backend) purgeHealth(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	if err := b.HealthPurge(r.Context()); err != nil {
		rlog.WithError(err).Errorln("Error 4223: cannot query database")
		http.Error(w, core.ErrorCode(4223, ""), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) pipelineWorker(jobs <-chan txJob, ready chan<- bool) {
	for job := range jobs {
		rlog := logger.Default()
		key := eventJobKey(job.Type)

		if err := job.tx.Commit(); err != nil {
			rlog.Errorf("error committing %s#%d: %s", key, job.Serial, err.Error())
		}

		// call the registered handler in a panic/recover envelope
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("recovered from panic: %s", r)
					debug.PrintStack()
				}
			}()
			if job.Job != "event" {
				return fmt.Errorf("unknown job type %s", job.Job)
			}
			event, ctx := job.event()
			rlog = logger.FromContext(ctx)
			timeout := time.AfterFunc(20*time.Second, func() {
				rlog.Errorf("event %s is taking a long time...", event)
			})
			defer timeout.Stop()
			handler, ok := b.callbacks[key]
			if !ok {
				return fmt.Errorf("no handler for key %s", key)
			}
			return handler.event(ctx, event)
		}()

		if err != nil {
			rlog.WithError(err).Error("error processing " + key + "[" + job.Key + "] #" + strconv.Itoa(job.Serial))
		} else {
			rlog.Info("successfully processed " + key + "[" + job.Key + "] #" + strconv.Itoa(job.Serial))
			// job handled sucessfully, delete from queue (unless it has been rescheduled and attempts_left is back at 4)
			var serial int
			err = b.db.QueryRow(b.jobsDeleteQuery, job.Serial).Scan(&serial)
			if err != nil && err != sql.ErrNoRows {
				rlog.WithError(err).Error("could not delete processed job " + key + "[" + job.Key + "] #" + strconv.Itoa(job.Serial))
			}
		}
		ready <- true
	}
}

// TriggerJobs triggers pipeline processing.
func (b *Backend) TriggerJobs() {
	b.processJobsAsyncLock.Lock()
	runs := b.processJobsAsyncRuns
	b.processJobsAsyncLock.Unlock()
	if runs && len(b.processJobsAsyncTrigger) == 0 {
		select {
		case b.processJobsAsyncTrigger <- struct{}{}:
		default:
		}
	}
}

// ProcessJobsAsync starts a job processing loop. It returns immediately. This
// function must only be called once.
//
// If heartbeat is larger than 0, the function also starts a heartbeat timer for
// processing of scheduled events, e.g. auctions which are about to start or to close.
//
// Left-over jobs in the database are processed right away.
func (b *Backend) ProcessJobsAsync(heartbeat time.Duration) {
	b.processJobsAsyncLock.Lock()
	if b.processJobsAsyncRuns {
		b.processJobsAsyncLock.Unlock()
		panic("already processing jobs")
	}
	b.processJobsAsyncRuns = true
	b.processJobsAsyncTrigger = make(chan struct{}, 10)
	b.processJobsAsyncLock.Unlock()

	if heartbeat > 0 {
		go func() {
			for {
				time.Sleep(heartbeat)
				b.TriggerJobs()
			}
		}()
	}

	go func() {
		b.ProcessJobsSync(5 * time.Minute)
		for {
			<-b.processJobsAsyncTrigger
			b.ProcessJobsSync(5 * time.Minute)
		}
	}()
}

// ProcessJobsSync commissions all pending jobs up to the specified maximum duration and then returns after the last
// commissioned job was fully processed. It returns true if it has maxed out and there are more jobs to process,
// otherwise it returns false. If you pass 0, it will process all pending jobs.
func (b *Backend) ProcessJobsSync(max time.Duration) bool {
	rlog := logger.Default()
	startTime := time.Now()

	getJob := func() (txj txJob, err error) {
		txj.tx, err = b.db.BeginTx(context.Background(), nil)
		if err != nil {
			rlog.WithError(err).Error("failed to begin transaction")
			return
		}
		now := b.now().UTC()
		err = txj.tx.QueryRow(b.jobsUpdateQuery,
			now,
			now.Add(5*time.Minute),  // first retry timeout
			now.Add(15*time.Minute), // second retry timeout
			now.Add(45*time.Minute), // third retry timeout before we give up
		).Scan(
			&txj.Serial,
			&txj.Job,
			&txj.Type,
			&txj.Key,
			&txj.Resource,
			&txj.ResourceID,
			&txj.Payload,
			&txj.Timestamp,
			&txj.AttemptsLeft,
			&txj.ContextData,
		)
		if err != nil {
			if err != sql.ErrNoRows {
				rlog.Errorln("failed to retrieve job:", err.Error())
			}
			txj.tx.Rollback()
			txj.tx = nil
		}
		return
	}

	jobs := make(chan txJob, b.pipelineConcurrency)
	ready := make(chan bool, b.pipelineConcurrency)
	for i := 0; i < b.pipelineConcurrency; i++ {
		go b.pipelineWorker(jobs, ready)
	}
	defer close(jobs)

	var maxedOut bool
	var jobCount, readyCount int
	for i := 0; i < b.pipelineConcurrency; i++ {
		txj, err := getJob()
		if err != nil {
			break
		}
		jobCount++
		jobs <- txj
	}

	for readyCount < jobCount {
		<-ready
		readyCount++

		if maxedOut = max > 0 && time.Since(startTime) >= max; !maxedOut {
			// we have time for more jobs, check if there are any in the database
			txj, err := getJob()
			if err != nil {
				continue
			}
			jobCount++
			jobs <- txj
		}
	}

	maxedOutString := ""
	if maxedOut {
		maxedOutString = " (maxed out)"
	}
	rlog.Debugf("process jobs: %d done%s", jobCount, maxedOutString)
	return maxedOut
}

type jobHandler struct {
	event func(context.Context, Event) error
}

// HandleEvent installs a callback handler the specified event. Handlers are executed
// out-of-band. If a handler fails (i.e. it returns a non-nil error), it will be retried
// a few times with increasing timeout.
func (b *Backend) HandleEvent(event string, handler func(context.Context, Event) error) {
	key := eventJobKey(event)
	if _, ok := b.callbacks[key]; ok {
		logger.Default().Fatalf("callback handler for %s already installed", key)
	}
	b.callbacks[key] = jobHandler{event: handler}
}

// RaiseEvent raises the requested event. Callbacks registered with HandleEvent() will be called.
//
// Multiple events of the same kind (event plus key) to the very same resource (resource + resourceID) will be compressed,
// i.e. the newest payload will overwrite the previous payload.
func (b *Backend) RaiseEvent(ctx context.Context, event Event) error {
	return b.raiseEvent(ctx, b.db, event, nil, false)
}

// RaiseEventIfNotExist raises the requested event, unless an event of the same kind to the very same
// resource is already pending.
func (b *Backend) RaiseEventIfNotExist(ctx context.Context, event Event) error {
	return b.raiseEvent(ctx, b.db, event, nil, true)
}

// ScheduleEvent schedules the requested event at a specific point in time. A pending event of the
// same kind to the very same resource is moved to the new point in time.
//
// Use CancelEvent() to cancel a scheduled event.
func (b *Backend) ScheduleEvent(ctx context.Context, event Event, scheduleAt time.Time) error {
	return b.raiseEvent(ctx, b.db, event, &scheduleAt, false)
}

// scheduleEventTx schedules the event as part of the transaction tx. The job becomes
// visible when tx commits, call TriggerJobs() afterwards.
func (b *Backend) scheduleEventTx(ctx context.Context, tx *sql.Tx, event Event, scheduleAt time.Time) error {
	return b.raiseEvent(ctx, tx, event, &scheduleAt, false)
}

// CancelEvent cancels a scheduled event of the same kind (event plus key) to the very
// same resource (resource + resourceID). The payload of the passed event object is ignored.
//
// The function returns true if an event was unscheduled, otherwise it returns false.
func (b *Backend) CancelEvent(ctx context.Context, event Event) (bool, error) {
	return b.cancelEvent(ctx, b.db, event)
}

func (b *Backend) cancelEvent(ctx context.Context, q rowQueryer, event Event) (bool, error) {
	var serial int
	err := q.QueryRowContext(ctx, b.jobsCancelQuery,
		"event",
		event.Type,
		event.Key,
		event.Resource,
		event.ResourceID,
	).Scan(&serial)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// RetrieveEventSchedule returns when a pending event is scheduled, or nil
func (b *Backend) RetrieveEventSchedule(ctx context.Context, event Event) (*time.Time, error) {
	var schedule *time.Time
	err := b.db.QueryRowContext(ctx, b.db.WithSchema(`SELECT scheduled_at FROM {schema}."_job_"
WHERE job = $1 AND type = $2 AND key = $3 AND resource = $4 AND resource_id = $5 AND attempts_left > 0
ORDER BY serial LIMIT 1;`),
		"event",
		event.Type,
		event.Key,
		event.Resource,
		event.ResourceID,
	).Scan(&schedule)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return schedule, err
}

func (b *Backend) raiseEvent(ctx context.Context, q rowQueryer, event Event, scheduleAt *time.Time, ifNotExist bool) error {
	key := eventJobKey(event.Type)
	if _, ok := b.callbacks[key]; !ok {
		return fmt.Errorf("no callback handler installed for %s", key)
	}

	data := event.Payload
	if data == nil {
		data = []byte("{}")
	}
	contextData := logger.SerializeLoggerContext(ctx)

	var scheduleAtUTC *time.Time
	if scheduleAt != nil {
		tmp := scheduleAt.UTC()
		scheduleAtUTC = &tmp
	}

	query := b.jobsInsertQuery
	if ifNotExist {
		query = b.jobsInsertIfNotExistQuery
	}
	var serial int
	err := q.QueryRowContext(ctx, query,
		"event",
		event.Type,
		event.Key,
		event.Resource,
		event.ResourceID,
		data,
		b.now().UTC(),
		contextData,
		scheduleAtUTC,
	).Scan(&serial)
	if err != nil {
		return err
	}
	if _, isTx := q.(*sql.Tx); !isTx {
		b.TriggerJobs()
	}
	return nil
}

func eventJobKey(event string) string {
	return "event: " + event
}
