package synchronizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/sessionsync/internal/model"
)

func TestDeriveTrailingStatus(t *testing.T) {
	batch := []model.Event{
		mustMessage(t, 0, model.SourceCustomer, "g1::customer", "hello"),
		mustStatus(t, 1, "g1::status", model.StatusProcessing, ""),
	}

	d := Derive(batch)

	assert.Equal(t, model.Status{Tag: model.StatusProcessing}, d.ByOffset[0])
	assert.Equal(t, model.Status{Tag: model.StatusProcessing}, d.ByGroup["g1"])
}

func TestDeriveSupersededMessageIsReady(t *testing.T) {
	batch := []model.Event{
		mustMessage(t, 0, model.SourceCustomer, "g1::customer", "hello"),
		mustStatus(t, 1, "g1::status", model.StatusProcessing, ""),
		mustMessage(t, 2, model.SourceAgent, "g1::agent", "hi there"),
	}

	d := Derive(batch)

	assert.Equal(t, model.Status{Tag: model.StatusReady}, d.ByOffset[0])
	_, ok := d.ByOffset[2]
	assert.False(t, ok, "last message awaits a status")
	assert.Empty(t, d.ByGroup)
}

func TestDeriveErrorCarriesException(t *testing.T) {
	batch := []model.Event{
		mustStatus(t, 1, "g1::status", model.StatusError, "model overloaded"),
		mustMessage(t, 0, model.SourceCustomer, "g1::customer", "hello"),
	}

	d := Derive(batch)

	require.Contains(t, d.ByOffset, 0)
	assert.Equal(t, model.StatusError, d.ByOffset[0].Tag)
	assert.Equal(t, "model overloaded", d.ByOffset[0].Error)

	err := Failure(model.Message{Offset: 0, Status: d.ByOffset[0]})
	var procErr *AgentProcessingError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, "model overloaded", procErr.Detail)
}

func TestDeriveUsesLatestStatusOfGroup(t *testing.T) {
	batch := []model.Event{
		mustMessage(t, 0, model.SourceCustomer, "g1::customer", "hello"),
		mustStatus(t, 1, "g1::status", model.StatusProcessing, ""),
		mustStatus(t, 2, "g1::status", model.StatusTyping, ""),
		mustMessage(t, 3, model.SourceAgent, "g1::agent", "hi"),
		mustStatus(t, 4, "g1::status", model.StatusReady, ""),
	}

	d := Derive(batch)

	assert.Equal(t, model.StatusReady, d.ByOffset[0].Tag)
	assert.Equal(t, model.StatusReady, d.ByOffset[3].Tag)
}

func TestDeriveUncorrelatedMessages(t *testing.T) {
	batch := []model.Event{
		mustMessage(t, 0, model.SourceCustomer, "", "first"),
		mustMessage(t, 1, model.SourceCustomer, "", "second"),
	}

	d := Derive(batch)

	assert.Equal(t, model.StatusReady, d.ByOffset[0].Tag)
	assert.NotContains(t, d.ByOffset, 1)
}

func TestDeriveIgnoresOtherGroups(t *testing.T) {
	batch := []model.Event{
		mustMessage(t, 0, model.SourceCustomer, "g1::customer", "hello"),
		mustStatus(t, 1, "g2::status", model.StatusReady, ""),
	}

	d := Derive(batch)

	assert.NotContains(t, d.ByOffset, 0)
	assert.Equal(t, model.StatusReady, d.ByGroup["g2"].Tag)
}
