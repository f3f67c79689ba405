package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"flexa-spend-sdk/internal/core/domain"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// fakeBackend is an in-memory Flexa commerce backend: the REST session
// endpoints plus a server-sent-event feed. Tests drive session lifecycles by
// calling the emit* methods; every connected stream client sees the same
// ordered event sequence.
type fakeBackend struct {
	mu           sync.Mutex
	sessions     map[string]*domain.CommerceSession
	rejectAssets map[string]bool
	subscribers  map[chan wireEvent]struct{}
	nextEventID  int
}

type wireEvent struct {
	id   string
	typ  string
	data []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sessions:     make(map[string]*domain.CommerceSession),
		rejectAssets: make(map[string]bool),
		subscribers:  make(map[chan wireEvent]struct{}),
	}
}

// Router builds the gin handler tree.
func (b *fakeBackend) Router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	r.POST("/tokens", b.issueToken)
	r.POST("/commerce_sessions", b.createSession)
	r.GET("/commerce_sessions/:id", b.getSession)
	r.DELETE("/commerce_sessions/:id", b.closeSession)
	r.PATCH("/commerce_sessions/:id", b.setPaymentAsset)
	r.POST("/commerce_sessions/:id/approve", b.approveSession)
	r.GET("/events", b.streamEvents)
	return r
}

// rejectAsset makes every setPaymentAsset call for assetID fail eligibility.
func (b *fakeBackend) rejectAsset(assetID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectAssets[assetID] = true
}

func (b *fakeBackend) issueToken(c *gin.Context) {
	var body struct {
		PublishableKey string `json:"publishable_key"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.PublishableKey == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "invalid_key", "message": "unknown publishable key"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": "test-bearer-" + uuid.NewString()})
}

func (b *fakeBackend) createSession(c *gin.Context) {
	var body struct {
		BrandID string `json:"brand_id"`
		Amount  string `json:"amount"`
		Asset   string `json:"asset"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_request", "message": err.Error()}})
		return
	}

	session := &domain.CommerceSession{
		ID:          "cs_" + uuid.NewString()[:8],
		Amount:      body.Amount,
		Asset:       body.Asset,
		Brand:       domain.Brand{ID: body.BrandID, Name: "Integration Brand"},
		Status:      domain.SessionStatusCreated,
		Preferences: domain.Preferences{PaymentAsset: "usdc"},
	}
	b.mu.Lock()
	b.sessions[session.ID] = session
	b.mu.Unlock()

	b.emit(domain.StreamEventCreated, session)
	c.JSON(http.StatusCreated, session)
}

func (b *fakeBackend) getSession(c *gin.Context) {
	b.mu.Lock()
	session, ok := b.sessions[c.Param("id")]
	b.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "no such session"}})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (b *fakeBackend) closeSession(c *gin.Context) {
	b.mu.Lock()
	session, ok := b.sessions[c.Param("id")]
	if ok {
		session.Status = domain.SessionStatusClosed
	}
	b.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "no such session"}})
		return
	}

	b.emitClosed(session.ID)
	c.JSON(http.StatusOK, session)
}

func (b *fakeBackend) setPaymentAsset(c *gin.Context) {
	var body struct {
		Preferences domain.Preferences `json:"preferences"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_request", "message": err.Error()}})
		return
	}

	b.mu.Lock()
	session, ok := b.sessions[c.Param("id")]
	rejected := b.rejectAssets[body.Preferences.PaymentAsset]
	if ok && !rejected {
		session.Preferences.PaymentAsset = body.Preferences.PaymentAsset
	}
	b.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "no such session"}})
		return
	}
	if rejected {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": gin.H{
			"code":    "asset_not_eligible",
			"message": fmt.Sprintf("asset %s cannot fund this session", body.Preferences.PaymentAsset),
		}})
		return
	}

	b.emit(domain.StreamEventUpdated, session)
	c.Status(http.StatusNoContent)
}

func (b *fakeBackend) approveSession(c *gin.Context) {
	b.mu.Lock()
	session, ok := b.sessions[c.Param("id")]
	if ok {
		session.Status = domain.SessionStatusCompleted
	}
	b.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "no such session"}})
		return
	}

	b.emit(domain.StreamEventCompleted, session)
	c.Status(http.StatusNoContent)
}

func (b *fakeBackend) streamEvents(c *gin.Context) {
	ch := make(chan wireEvent, 32)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.subscribers, ch)
		b.mu.Unlock()
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Writer.Flush()

	for {
		select {
		case ev := <-ch:
			fmt.Fprintf(c.Writer, "id: %s\nevent: %s\ndata: %s\n\n", ev.id, ev.typ, ev.data)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

// requireTransaction moves a session to requires_transaction with the given
// requested transaction and pushes the update to every stream client.
func (b *fakeBackend) requireTransaction(sessionID string, tx *domain.RequestedTransaction) {
	b.mu.Lock()
	session := b.sessions[sessionID]
	if session != nil {
		session.Status = domain.SessionStatusRequiresTransaction
		session.RequestedTransaction = tx
	}
	b.mu.Unlock()
	if session != nil {
		b.emit(domain.StreamEventUpdated, session)
	}
}

// complete finishes a session and pushes the completed event.
func (b *fakeBackend) complete(sessionID string) {
	b.mu.Lock()
	session := b.sessions[sessionID]
	if session != nil {
		session.Status = domain.SessionStatusCompleted
	}
	b.mu.Unlock()
	if session != nil {
		b.emit(domain.StreamEventCompleted, session)
	}
}

func (b *fakeBackend) emit(eventType string, session *domain.CommerceSession) {
	b.mu.Lock()
	data, _ := json.Marshal(session)
	b.broadcastLocked(eventType, data)
	b.mu.Unlock()
}

func (b *fakeBackend) emitClosed(sessionID string) {
	b.mu.Lock()
	data, _ := json.Marshal(map[string]string{"commerce_session_id": sessionID})
	b.broadcastLocked(domain.StreamEventClosed, data)
	b.mu.Unlock()
}

func (b *fakeBackend) broadcastLocked(eventType string, data []byte) {
	b.nextEventID++
	ev := wireEvent{id: fmt.Sprintf("evt_%d", b.nextEventID), typ: eventType, data: data}
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
