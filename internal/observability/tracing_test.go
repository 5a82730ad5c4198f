package observability

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := parseHeaders(" authorization = Bearer x ,broken, tenant=dev,=skip")
	if len(got) != 2 || got["authorization"] != "Bearer x" || got["tenant"] != "dev" {
		t.Fatalf("unexpected headers %#v", got)
	}
}

func TestStartSpanWithoutInit(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "stage")
	defer span.End()
	if ctx == nil {
		t.Fatal("nil context")
	}
}
