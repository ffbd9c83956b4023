package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/rs/zerolog/log"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/app"
	"github.com/hpatrol/hpatrol/audit"
	"github.com/hpatrol/hpatrol/dispatcher"
	"github.com/hpatrol/hpatrol/server"
	"github.com/hpatrol/hpatrol/transcoder"
)

// serveLambda blocks serving invocations of the named task. The queue
// consumers take SQS events; everything else is triggered by a schedule
// rule and takes a CloudWatch event.
func serveLambda(ac *app.Context, rec *audit.Recorder, name, arg string) {
	log.Info().Str("task", name).Msg("serving lambda")
	switch name {
	case "dispatcher", "transcoder":
		lambda.Start(sqsHandler(ac, rec, name))
	default:
		lambda.Start(cronHandler(ac, rec, name, arg))
	}
}

// envelope describes the invocation for the audit entry.
func envelope(ctx context.Context, source, id string) map[string]string {
	env := map[string]string{"source": source}
	if id != "" {
		env["eventId"] = id
	}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		env["requestId"] = lc.AwsRequestID
		env["functionArn"] = lc.InvokedFunctionArn
	}
	return env
}

func cronHandler(ac *app.Context, rec *audit.Recorder, name, arg string) func(context.Context, events.CloudWatchEvent) error {
	return func(ctx context.Context, ev events.CloudWatchEvent) error {
		env := envelope(ctx, ev.Source, ev.ID)
		env["time"] = ev.Time.UTC().Format("2006-01-02T15:04:05Z")
		_, err := server.RunTask(ctx, ac, rec, name, server.Request{Arg: arg, Envelope: env})
		return err
	}
}

// sqsHandler handles each record of the batch in turn. Every record is
// acknowledged, as its run has reported its own outcome; only the audit
// entry reflects failures.
func sqsHandler(ac *app.Context, rec *audit.Recorder, name string) func(context.Context, events.SQSEvent) error {
	return func(ctx context.Context, ev events.SQSEvent) error {
		for _, msg := range ev.Records {
			env := envelope(ctx, msg.EventSource, msg.MessageId)
			inv := rec.Start(name, "", env)
			summary, data, err := handleRecord(ctx, ac, name, []byte(msg.Body))
			inv.Finish(ctx, hpatrol.LevelOf(err), data, summary, err)
		}
		return nil
	}
}

func handleRecord(ctx context.Context, ac *app.Context, name string, body []byte) (interface{}, hpatrol.Level, error) {
	switch name {
	case "dispatcher":
		_, res, err := dispatcher.Handle(ctx, ac, body)
		return res, hpatrol.LevelOf(err), err
	case "transcoder":
		t, err := transcoder.DecodeTask(body)
		if err != nil {
			return nil, hpatrol.LevelOf(err), err
		}
		res, err := transcoder.Process(ctx, ac, t)
		return res, hpatrol.LevelOf(err), err
	}
	return nil, hpatrol.LevelCritical, hpatrol.Errorf(hpatrol.ConfigError, "lambda", "%s does not take queue events", name)
}
