// Package handler adapts API Gateway proxy events to the conversation
// coordinator. It owns request validation; an invalid payload is rejected
// here before any conversation state is touched.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"debate-agent/internal/usecase"
)

const (
	maxMessageChars   = 4000
	correlationHeader = "X-Correlation-Id"
)

var conversationIDRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

// UseCase is the coordinator operation this handler fronts.
type UseCase interface {
	HandleTurn(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type chatRequest struct {
	ConversationID *string `json:"conversation_id"`
	Message        string  `json:"message"`
}

type messageItem struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type chatResponse struct {
	ConversationID string        `json:"conversation_id"`
	Message        []messageItem `json:"message"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handler serves the chat endpoint.
type Handler struct {
	uc UseCase
}

func NewHandler(uc UseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc}, nil
}

// Handle processes one chat turn request.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(event.Headers)

	var req chatRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return respondError(http.StatusBadRequest, usecase.ErrorInvalidInput, "malformed_json", corrID), nil
	}

	convID, reason := normalizeRequest(&req)
	if reason != "" {
		return respondError(http.StatusBadRequest, usecase.ErrorInvalidInput, reason, corrID), nil
	}

	out, err := h.uc.HandleTurn(ctx, usecase.ChatInput{
		ConversationID: convID,
		Message:        req.Message,
	})
	if err != nil {
		status, code, reason := mapError(err)
		return respondError(status, code, reason, corrID), nil
	}

	items := make([]messageItem, 0, len(out.Messages))
	for _, m := range out.Messages {
		items = append(items, messageItem{Role: m.Role, Message: m.Message})
	}
	return respondJSON(http.StatusOK, chatResponse{
		ConversationID: out.ConversationID,
		Message:        items,
	}, corrID), nil
}

// normalizeRequest trims and validates the payload in place. It returns the
// normalized conversation id (empty for a new conversation) and a rejection
// reason, empty when the request is valid.
func normalizeRequest(req *chatRequest) (convID, reason string) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return "", "empty_message"
	}
	if utf8.RuneCountInString(req.Message) > maxMessageChars {
		return "", "message_too_long"
	}
	if req.ConversationID == nil {
		return "", ""
	}
	convID = strings.ToLower(strings.TrimSpace(*req.ConversationID))
	if !conversationIDRe.MatchString(convID) {
		return "", "invalid_conversation_id"
	}
	return convID, ""
}

// mapError translates coordinator failures into transport status codes.
// Internal detail stays in logs; clients only see the code and, for
// validation failures, the field-level reason.
func mapError(err error) (status int, code usecase.ErrorCode, reason string) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, usecase.ErrorInternal, ""
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, ucErr.Code, ucErr.Reason
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, ucErr.Code, ""
	default:
		return http.StatusInternalServerError, usecase.ErrorInternal, ""
	}
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}

func respondJSON(status int, body any, corrID string) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(raw),
	}
}

func respondError(status int, code usecase.ErrorCode, reason, corrID string) events.APIGatewayProxyResponse {
	return respondJSON(status, errorResponse{Error: string(code), Reason: reason}, corrID)
}
