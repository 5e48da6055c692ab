package question

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ai/kiln/internal/bus"
)

func ask(svc *Service) (chan [][]string, chan error) {
	answers := make(chan [][]string, 1)
	errs := make(chan error, 1)
	go func() {
		a, err := svc.Ask(context.Background(), "ses_1", "question", []Info{
			{Question: "Which approach?", Options: []Option{{Label: "a"}, {Label: "b"}}},
		})
		answers <- a
		errs <- err
	}()
	return answers, errs
}

func waitAsked(t *testing.T, asked chan bus.QuestionAskedData) bus.QuestionAskedData {
	t.Helper()
	select {
	case data := <-asked:
		return data
	case <-time.After(time.Second):
		t.Fatal("question.asked not published")
		return bus.QuestionAskedData{}
	}
}

func TestReplyResolvesAsk(t *testing.T) {
	b := bus.New()
	defer b.Close()
	svc := NewService(b)

	asked := make(chan bus.QuestionAskedData, 1)
	b.Subscribe(bus.QuestionAsked, func(e bus.Event) {
		asked <- e.Properties.(bus.QuestionAskedData)
	})

	answers, errs := ask(svc)
	req := waitAsked(t, asked)

	require.NoError(t, svc.Reply(req.ID, [][]string{{"a"}}))
	assert.Equal(t, [][]string{{"a"}}, <-answers)
	assert.NoError(t, <-errs)
	assert.Empty(t, svc.List())
}

func TestRejectFailsAsk(t *testing.T) {
	b := bus.New()
	defer b.Close()
	svc := NewService(b)

	asked := make(chan bus.QuestionAskedData, 1)
	answered := make(chan bus.QuestionAnsweredData, 1)
	b.Subscribe(bus.QuestionAsked, func(e bus.Event) {
		asked <- e.Properties.(bus.QuestionAskedData)
	})
	b.Subscribe(bus.QuestionAnswered, func(e bus.Event) {
		answered <- e.Properties.(bus.QuestionAnsweredData)
	})

	answers, errs := ask(svc)
	req := waitAsked(t, asked)

	require.NoError(t, svc.Reject(req.ID))
	assert.Nil(t, <-answers)

	err := <-errs
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "ses_1", rejected.SessionID)
	assert.True(t, (<-answered).Rejected)
}

func TestCancelWithdraws(t *testing.T) {
	b := bus.New()
	defer b.Close()
	svc := NewService(b)

	asked := make(chan bus.QuestionAskedData, 1)
	b.Subscribe(bus.QuestionAsked, func(e bus.Event) {
		asked <- e.Properties.(bus.QuestionAskedData)
	})

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := svc.Ask(ctx, "ses_1", "question", []Info{{Question: "?"}})
		errs <- err
	}()
	waitAsked(t, asked)

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)

	require.Eventually(t, func() bool { return len(svc.List()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestReplyUnknownRequest(t *testing.T) {
	b := bus.New()
	defer b.Close()
	svc := NewService(b)

	assert.Error(t, svc.Reply("qst_missing", nil))
	assert.Error(t, svc.Reject("qst_missing"))
}
