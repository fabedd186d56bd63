package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrClass
	}{
		{&APIError{Class: ErrAuth, Code: -2015}, ErrAuth},
		{fmt.Errorf("<APIError> code=-1003, msg=Too many requests"), ErrRateLimited},
		{fmt.Errorf("<APIError> code=-2015, msg=Invalid API-key"), ErrAuth},
		{fmt.Errorf("<APIError> code=-1021, msg=Timestamp outside recvWindow"), ErrTransient},
		{fmt.Errorf("dial tcp: connection refused"), ErrTransient},
		{context.DeadlineExceeded, ErrTransient},
		{fmt.Errorf("<APIError> code=-2019, msg=Margin is insufficient"), ErrPermanent},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(fmt.Errorf("read: connection reset")) {
		t.Error("transient error not retryable")
	}
	if Retryable(&APIError{Class: ErrPermanent}) {
		t.Error("permanent error marked retryable")
	}
	if Retryable(errors.New("<APIError> code=-2014, msg=API-key format invalid")) {
		t.Error("auth error marked retryable")
	}
}

func TestIsUnknownOrder(t *testing.T) {
	if !IsUnknownOrder(ErrOrderNotFound) {
		t.Error("sentinel not recognized")
	}
	if !IsUnknownOrder(fmt.Errorf("<APIError> code=-2011, msg=Unknown order sent")) {
		t.Error("-2011 not recognized")
	}
	if IsUnknownOrder(fmt.Errorf("<APIError> code=-1003, msg=Too many requests")) {
		t.Error("rate limit mistaken for unknown order")
	}
}
