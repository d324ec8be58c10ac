package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommonFilter_Validate(t *testing.T) {
	allowed := []string{"status", "provider"}

	require.NoError(t, (&CommonFilter{Field: "status", Operator: CommonFilterOperatorEq, Values: []any{"pending"}}).Validate(allowed))
	require.Error(t, (&CommonFilter{Field: "status; drop table x", Operator: CommonFilterOperatorEq, Values: []any{"x"}}).Validate(allowed))
	require.Error(t, (&CommonFilter{Field: "status", Operator: CommonFilterOperatorEq}).Validate(allowed))
	require.Error(t, (&CommonFilter{Field: "provider", Operator: CommonFilterOperatorRange, Values: []any{"a"}}).Validate(allowed))
}

func TestEventType_IsSuccessfulPayment(t *testing.T) {
	require.True(t, EventTypePaymentSucceeded.IsSuccessfulPayment())
	require.True(t, EventTypeRenewalSucceeded.IsSuccessfulPayment())
	require.False(t, EventTypeRefundCompleted.IsSuccessfulPayment())
}
