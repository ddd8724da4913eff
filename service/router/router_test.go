package router

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/EY-Engage/realtime-core/tools/errs"
)

func testIdentity(roles ...string) *Identity {
	return &Identity{UserID: "u1", Roles: roles, Department: "Finance", IsActive: true}
}

func buildTestRouter() *Router {
	rt := New()
	rt.Namespace("chat", nil).Handle("echo", []FieldRule{
		{Field: "text", Kind: KindString, Required: true, MaxLen: 10},
	}, func(ctx context.Context, id *Identity, payload json.RawMessage) (any, error) {
		return "ok", nil
	})
	rt.Namespace("admin", AdminOnly).Handle("purge", nil,
		func(ctx context.Context, id *Identity, payload json.RawMessage) (any, error) {
			return "purged", nil
		})
	return rt
}

func TestDispatchHappyPath(t *testing.T) {
	rt := buildTestRouter()
	res, err := rt.Dispatch(context.Background(), testIdentity(), "chat", "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res != "ok" {
		t.Fatalf("result = %v", res)
	}
}

func TestDispatchUnknown(t *testing.T) {
	rt := buildTestRouter()

	// 未知命名空间与未知事件同码
	_, err := rt.Dispatch(context.Background(), testIdentity(), "nope", "echo", nil)
	if !errs.ErrUnknownEvent.Is(err) {
		t.Fatalf("want unknown event, got %v", err)
	}
	_, err = rt.Dispatch(context.Background(), testIdentity(), "chat", "nope", nil)
	if !errs.ErrUnknownEvent.Is(err) {
		t.Fatalf("want unknown event, got %v", err)
	}
}

func TestDispatchAuthz(t *testing.T) {
	rt := buildTestRouter()

	_, err := rt.Dispatch(context.Background(), testIdentity(), "admin", "purge", nil)
	if !errs.ErrUnauthorized.Is(err) {
		t.Fatalf("non-admin should be rejected, got %v", err)
	}
	res, err := rt.Dispatch(context.Background(), testIdentity("admin"), "admin", "purge", nil)
	if err != nil {
		t.Fatalf("admin dispatch: %v", err)
	}
	if res != "purged" {
		t.Fatalf("result = %v", res)
	}

	// 非活跃身份全线拒绝
	id := testIdentity()
	id.IsActive = false
	_, err = rt.Dispatch(context.Background(), id, "chat", "echo", json.RawMessage(`{"text":"hi"}`))
	if !errs.ErrUnauthorized.Is(err) {
		t.Fatalf("inactive identity should be rejected, got %v", err)
	}
}

func TestDispatchValidation(t *testing.T) {
	rt := buildTestRouter()
	cases := []struct {
		name    string
		payload string
	}{
		{"missing field", `{}`},
		{"wrong type", `{"text":42}`},
		{"too long", `{"text":"aaaaaaaaaaaaaaaa"}`},
		{"bad json", `{`},
	}
	for _, tc := range cases {
		_, err := rt.Dispatch(context.Background(), testIdentity(), "chat", "echo", json.RawMessage(tc.payload))
		if !errs.ErrPayloadInvalid.Is(err) {
			t.Fatalf("%s: want payload invalid, got %v", tc.name, err)
		}
	}
}

func TestCheckPayloadKinds(t *testing.T) {
	rules := []FieldRule{
		{Field: "n", Kind: KindNumber, Required: true},
		{Field: "b", Kind: KindBool},
		{Field: "o", Kind: KindObject},
		{Field: "a", Kind: KindArray},
	}
	ok := json.RawMessage(`{"n":1,"b":true,"o":{},"a":[]}`)
	if err := CheckPayload(ok, rules); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	// 可选字段缺省不报错
	if err := CheckPayload(json.RawMessage(`{"n":1}`), rules); err != nil {
		t.Fatalf("optional fields: %v", err)
	}
	if err := CheckPayload(json.RawMessage(`{"n":1,"a":"x"}`), rules); !errs.ErrPayloadInvalid.Is(err) {
		t.Fatalf("want payload invalid, got %v", err)
	}
}
