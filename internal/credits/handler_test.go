package credits

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-platform/credits/internal/auth"
	"github.com/nexus-platform/credits/internal/catalog"
	"github.com/nexus-platform/credits/internal/ledger"
	"github.com/nexus-platform/credits/internal/quota"
)

func authed(r *http.Request, userID string) *http.Request {
	return r.WithContext(auth.WithClaims(r.Context(), &auth.AccessClaims{UserID: userID}))
}

func postJSON(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

type consumeEnvelope struct {
	Data   ConsumeResult `json:"data"`
	Error  string        `json:"error"`
	Reason string        `json:"reason"`
}

func TestHandler_Consume(t *testing.T) {
	f := newFixture(t)
	f.open(t, "user-1", 12, 0)
	h := NewHandler(f.svc)

	t.Run("unauthenticated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Consume(rec, postJSON(t, "/consume", Request{ToolID: "nexus_quiz"}))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("validation error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Consume(rec, authed(postJSON(t, "/consume", Request{}), "user-1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/consume", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		h.Consume(rec, authed(req, "user-1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("committed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Consume(rec, authed(postJSON(t, "/consume", Request{ToolID: "nexus_quiz", Description: "quiz"}), "user-1"))
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp consumeEnvelope
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.True(t, resp.Data.Success)
		require.NotNil(t, resp.Data.NewBalance)
		assert.Equal(t, int64(7), *resp.Data.NewBalance)
		require.NotNil(t, resp.Data.Receipt)
		assert.Equal(t, "nexus_quiz", resp.Data.Receipt.ToolID)
	})

	t.Run("idempotency header replays", func(t *testing.T) {
		for i, want := range []int{http.StatusCreated, http.StatusOK} {
			req := authed(postJSON(t, "/consume", Request{ToolID: "flashcards_generate"}), "user-1")
			req.Header.Set("Idempotency-Key", "cards-1")
			rec := httptest.NewRecorder()
			h.Consume(rec, req)
			assert.Equal(t, want, rec.Code, "call %d", i+1)
		}
		assert.Equal(t, int64(5), f.balance(t, "user-1").CreditBalance)
	})

	t.Run("insufficient funds is a rejection", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Consume(rec, authed(postJSON(t, "/consume", Request{ToolID: "nexus_quiz", Amount: 50}), "user-1"))
		require.Equal(t, http.StatusPaymentRequired, rec.Code)

		var resp consumeEnvelope
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.False(t, resp.Data.Success)
		assert.Nil(t, resp.Data.NewBalance)
		assert.Equal(t, KindInsufficientFunds, resp.Data.Error)
		assert.NotEmpty(t, resp.Data.Message)
	})

	t.Run("amount below price is refused", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Consume(rec, authed(postJSON(t, "/consume", Request{ToolID: "health_evolution_report", Amount: 1}), "user-1"))
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var resp consumeEnvelope
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, string(KindInvalidRequest), resp.Reason)
		assert.Equal(t, int64(5), f.balance(t, "user-1").CreditBalance)
	})

	t.Run("unknown tool is an error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Consume(rec, authed(postJSON(t, "/consume", Request{ToolID: "teleport"}), "user-1"))
		require.Equal(t, http.StatusNotFound, rec.Code)

		var resp consumeEnvelope
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, string(KindUnknownTool), resp.Reason)
	})
}

func TestHandler_AccountBalanceAndTransactions(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) { c.SignupGrant = 40 }))
	h := NewHandler(f.svc)

	rec := httptest.NewRecorder()
	h.Balance(rec, authed(httptest.NewRequest(http.MethodGet, "/balance", nil), "user-1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.OpenAccount(rec, authed(httptest.NewRequest(http.MethodPost, "/account", nil), "user-1"))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	h.OpenAccount(rec, authed(httptest.NewRequest(http.MethodPost, "/account", nil), "user-1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Consume(context.Background(), Request{UserID: "user-1", ToolID: "flashcards_generate"})
		require.NoError(t, err)
	}

	rec = httptest.NewRecorder()
	h.Balance(rec, authed(httptest.NewRequest(http.MethodGet, "/balance", nil), "user-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	var balance struct {
		Data Balance `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&balance))
	assert.Equal(t, int64(34), balance.Data.CreditBalance)

	rec = httptest.NewRecorder()
	h.Transactions(rec, authed(httptest.NewRequest(http.MethodGet, "/transactions?page=1&page_size=2", nil), "user-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Data       []ledger.Transaction `json:"data"`
		TotalCount int64                `json:"total_count"`
		PageSize   int                  `json:"page_size"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Len(t, page.Data, 2)
	assert.Equal(t, int64(3), page.TotalCount)
	assert.Equal(t, 2, page.PageSize)
	assert.Equal(t, int64(34), page.Data[0].BalanceAfter)
}

func TestHandler_Tools(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)

	rec := httptest.NewRecorder()
	h.Tools(rec, httptest.NewRequest(http.MethodGet, "/tools", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []catalog.Tool `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Data, len(testTools()))
}

func TestHandler_Grant(t *testing.T) {
	f := newFixture(t)
	f.open(t, "user-1", 0, 0)
	h := NewHandler(f.svc)

	rec := httptest.NewRecorder()
	h.Grant(rec, postJSON(t, "/grants", GrantRequest{UserID: "user-1", Amount: 15, Reason: "refund"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(15), f.balance(t, "user-1").CreditBalance)

	rec = httptest.NewRecorder()
	h.Grant(rec, postJSON(t, "/grants", GrantRequest{UserID: "user-1", Amount: -3, Reason: "oops"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Grant(rec, postJSON(t, "/grants", GrantRequest{UserID: "ghost", Amount: 3, Reason: "x"}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAppError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("x: %w", catalog.ErrUnknownTool), http.StatusNotFound},
		{ledger.ErrAccountNotFound, http.StatusNotFound},
		{ledger.ErrInsufficientFunds, http.StatusPaymentRequired},
		{&quota.LimitError{Scope: quota.ScopeBucket}, http.StatusTooManyRequests},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrInvalidRequest, http.StatusBadRequest},
		{ErrCommitFailed, http.StatusConflict},
		{ErrIdempotencyConflict, http.StatusConflict},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			appErr := AppError(tt.err)
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, string(KindOf(tt.err)), appErr.Reason)
		})
	}

	assert.Equal(t, "internal server error", AppError(errors.New("secret dsn")).Message)
}
