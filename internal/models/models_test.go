package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextStepWalksTheWorkflow(t *testing.T) {
	expected := []SagaStep{
		StepInventoryValidation,
		StepPaymentProcessing,
		StepShippingArrangement,
		StepOrderConfirmation,
		StepCompleted,
	}

	step := StepOrderCreated
	for _, want := range expected {
		next, ok := step.NextStep()
		assert.True(t, ok)
		assert.Equal(t, want, next)
		step = next
	}

	_, ok := StepCompleted.NextStep()
	assert.False(t, ok)
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		name     string
		state    SagaState
		terminal bool
	}{
		{"completed", SagaState{Status: SagaStatusCompleted}, true},
		{"compensated", SagaState{Status: SagaStatusCompensated}, true},
		{"failed non-retryable", SagaState{Status: SagaStatusFailed, Retryable: false}, true},
		{"failed retryable", SagaState{Status: SagaStatusFailed, Retryable: true}, false},
		{"in progress", SagaState{Status: SagaStatusInProgress}, false},
		{"compensating", SagaState{Status: SagaStatusCompensating}, false},
		{"retrying", SagaState{Status: SagaStatusRetrying}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.Terminal())
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		state   SagaState
		wantErr bool
	}{
		{
			"fresh saga",
			SagaState{CurrentStep: StepOrderCreated},
			false,
		},
		{
			"payment after inventory",
			SagaState{CurrentStep: StepPaymentProcessing, InventoryReserved: true},
			false,
		},
		{
			"payment without inventory",
			SagaState{CurrentStep: StepPaymentProcessing},
			true,
		},
		{
			"shipping without payment",
			SagaState{CurrentStep: StepShippingArrangement, InventoryReserved: true},
			true,
		},
		{
			"confirmation with all prior steps",
			SagaState{
				CurrentStep:       StepOrderConfirmation,
				InventoryReserved: true,
				PaymentProcessed:  true,
				ShippingArranged:  true,
			},
			false,
		},
		{
			"confirmation missing shipping",
			SagaState{
				CurrentStep:       StepOrderConfirmation,
				InventoryReserved: true,
				PaymentProcessed:  true,
			},
			true,
		},
		{
			"unknown step",
			SagaState{CurrentStep: SagaStep("BOGUS")},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.state.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
