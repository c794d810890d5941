// Package jobs hands work items to the external job processor. The core
// only enqueues; it makes no assumption about how or when a job is consumed.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const ShiftReportQueue = "print_jobs"

// ShiftReportJob asks the processor to render and print a shift report.
type ShiftReportJob struct {
	Type        string `json:"type"` // always "shift_report"
	AccountID   int64  `json:"account_id"`
	LocationID  int64  `json:"location_id"`
	ShiftID     int64  `json:"shift_id"`
	Copies      int    `json:"copies"`
	RequestedBy *int64 `json:"requested_by"`
}

type Publisher interface {
	PublishShiftReport(ctx context.Context, job ShiftReportJob) error
}

type AMQPPublisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func Dial(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(ShiftReportQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, ch: ch}, nil
}

func (p *AMQPPublisher) Close() {
	if p == nil {
		return
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

func (p *AMQPPublisher) PublishShiftReport(ctx context.Context, job ShiftReportJob) error {
	job.Type = "shift_report"
	if job.Copies <= 0 {
		job.Copies = 1
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, "", ShiftReportQueue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		ContentType:  "application/json",
		Body:         body,
	})
}
