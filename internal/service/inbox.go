package service

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"driftmail/backend/internal/config"
	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/monitoring"
	"driftmail/backend/internal/storage"
)

// 生命周期冲突错误：调用方可见的业务拒绝，区别于服务器故障
var (
	// ErrDomainNotActive 域名不是活跃的托管域名
	ErrDomainNotActive = errors.New("domain is not an active managed domain")
	// ErrAddressTaken 地址已被活跃收件箱占用，且对方未设置 PIN
	ErrAddressTaken = errors.New("address already taken")
	// ErrAddressTakenWithPIN 地址已被占用且对方设置了 PIN，可提示 reclaim
	ErrAddressTakenWithPIN = errors.New("address already taken, reclaim available")
	// ErrInboxNotFound 会话无效或收件箱已过期
	ErrInboxNotFound = errors.New("inbox not found or expired")
	// ErrPINNotSet 收件箱未设置 PIN，无法 reclaim
	ErrPINNotSet = errors.New("inbox has no pin set")
	// ErrPINMismatch PIN 校验失败
	ErrPINMismatch = errors.New("pin mismatch")
	// ErrAlreadyHeld 收件箱已处于保护状态
	ErrAlreadyHeld = errors.New("inbox already held")
	// ErrNotHeld 收件箱未处于保护状态
	ErrNotHeld = errors.New("inbox not held")
	// ErrHoldPasswordMismatch 运维口令校验失败
	ErrHoldPasswordMismatch = errors.New("hold password mismatch")
	// ErrHoldDisabled 未配置运维口令，保护功能不可用
	ErrHoldDisabled = errors.New("hold operations disabled")
)

// heldExpiryHorizon 保护状态下写入的防御性过期时间偏移。
// 豁免由 is_held 状态决定，该时间戳不参与判断。
const heldExpiryHorizon = 100 * 365 * 24 * time.Hour

// 随机用户名的组成词表，组合后附加数字后缀
var (
	randomAdjectives = []string{
		"swift", "quiet", "amber", "misty", "bold",
		"lunar", "coral", "dusty", "ivory", "rapid",
	}
	randomNouns = []string{
		"otter", "falcon", "harbor", "meadow", "ember",
		"willow", "breeze", "summit", "cinder", "drift",
	}
)

// InboxService 封装收件箱生命周期业务操作。
//
// 状态机：Active（未过期且未保护）、Expired（已过期未保护，
// 对正常查询不可见、可被清理）、Held（保护中，完全豁免过期）。
type InboxService struct {
	store storage.Store
	cfg   *config.Config
	log   *zap.Logger
}

// NewInboxService 创建收件箱业务服务。
func NewInboxService(store storage.Store, cfg *config.Config, log *zap.Logger) *InboxService {
	return &InboxService{
		store: store,
		cfg:   cfg,
		log:   log,
	}
}

// CreateInboxInput 定义创建收件箱所需的输入。
type CreateInboxInput struct {
	Username string
	Domain   string
	PIN      string // 可选，4-8 位数字
}

// Create 创建新的收件箱。
//
// 依次校验用户名格式、PIN 格式、域名活跃状态和地址可用性。
// 地址被活跃收件箱占用时返回类型化冲突：对方无 PIN 返回
// ErrAddressTaken，有 PIN 返回 ErrAddressTakenWithPIN（提示调用方
// 走 reclaim 流程）。
func (s *InboxService) Create(input CreateInboxInput) (*domain.Inbox, error) {
	return s.create(input, s.cfg.Inbox.DefaultTTL)
}

func (s *InboxService) create(input CreateInboxInput, ttl time.Duration) (*domain.Inbox, error) {
	username := domain.NormalizeUsername(input.Username)
	if err := domain.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := domain.ValidatePIN(input.PIN); err != nil {
		return nil, err
	}

	domainName := strings.ToLower(strings.TrimSpace(input.Domain))
	if _, err := s.store.GetActiveDomain(domainName); err != nil {
		if errors.Is(err, storage.ErrDomainNotFound) {
			return nil, ErrDomainNotActive
		}
		return nil, err
	}

	// 可用性按当前活跃谓词判断，过期未删除的行不阻塞重建
	existing, err := s.store.FindActiveInbox(username, domainName)
	if err == nil {
		if existing.HasPIN() {
			return nil, ErrAddressTakenWithPIN
		}
		return nil, ErrAddressTaken
	}
	if !errors.Is(err, storage.ErrInboxNotFound) {
		return nil, err
	}

	var pinHash string
	if input.PIN != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(input.PIN), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		pinHash = string(hashed)
	}

	now := time.Now().UTC()
	inbox := &domain.Inbox{
		ID:        uuid.NewString(),
		SessionID: uuid.NewString(),
		Username:  username,
		Domain:    domainName,
		PINHash:   pinHash,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if err := s.store.SaveInbox(inbox); err != nil {
		return nil, err
	}

	monitoring.InboxesCreated.Inc()
	s.log.Info("Inbox created",
		zap.String("inbox_id", inbox.ID),
		zap.String("address", inbox.Address()),
		zap.Bool("has_pin", inbox.HasPIN()))

	return inbox, nil
}

// CreateRandom 在指定域名下创建随机用户名的收件箱。
//
// 用户名由词表组合加数字后缀生成，冲突时重试至多 5 次。
// 随机收件箱无人记得地址，续期价值低，使用独立的 RandomTTL。
func (s *InboxService) CreateRandom(domainName string) (*domain.Inbox, error) {
	for attempt := 0; attempt < 5; attempt++ {
		username := randomUsername()
		inbox, err := s.create(CreateInboxInput{
			Username: username,
			Domain:   domainName,
		}, s.cfg.Inbox.RandomTTL)
		if err == nil {
			return inbox, nil
		}
		if errors.Is(err, ErrAddressTaken) || errors.Is(err, ErrAddressTakenWithPIN) {
			continue
		}
		return nil, err
	}
	return nil, ErrAddressTaken
}

// Availability 描述一个地址的可用状态。
type Availability struct {
	Available bool `json:"available"`
	// HasPIN 地址被占用时，占用方是否设置了 PIN（可否 reclaim）
	HasPIN bool `json:"hasPin"`
}

// CheckAvailability 查询地址是否可用，不做任何修改。
func (s *InboxService) CheckAvailability(username, domainName string) (*Availability, error) {
	username = domain.NormalizeUsername(username)
	if err := domain.ValidateUsername(username); err != nil {
		return nil, err
	}

	domainName = strings.ToLower(strings.TrimSpace(domainName))
	if _, err := s.store.GetActiveDomain(domainName); err != nil {
		if errors.Is(err, storage.ErrDomainNotFound) {
			return nil, ErrDomainNotActive
		}
		return nil, err
	}

	existing, err := s.store.FindActiveInbox(username, domainName)
	if err != nil {
		if errors.Is(err, storage.ErrInboxNotFound) {
			return &Availability{Available: true}, nil
		}
		return nil, err
	}

	return &Availability{Available: false, HasPIN: existing.HasPIN()}, nil
}

// Get 按 SessionID 获取收件箱，只返回满足活跃谓词的行。
func (s *InboxService) Get(sessionID string) (*domain.Inbox, error) {
	inbox, err := s.store.GetInboxBySession(sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrInboxNotFound) {
			return nil, ErrInboxNotFound
		}
		return nil, err
	}
	return inbox, nil
}

// Extend 将过期时间重置为 now + TTL。
//
// 新的过期时间严格晚于调用前的值；收件箱必须满足活跃谓词。
func (s *InboxService) Extend(sessionID string) (*domain.Inbox, error) {
	inbox, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}

	inbox.ExpiresAt = time.Now().UTC().Add(s.cfg.Inbox.DefaultTTL)
	if err := s.store.UpdateExpiry(sessionID, inbox.ExpiresAt); err != nil {
		if errors.Is(err, storage.ErrInboxNotFound) {
			return nil, ErrInboxNotFound
		}
		return nil, err
	}

	s.log.Debug("Inbox extended",
		zap.String("inbox_id", inbox.ID),
		zap.Time("expires_at", inbox.ExpiresAt))

	return inbox, nil
}

// Hold 将收件箱置于保护状态，豁免一切过期清理。
//
// 校验运维口令（不是收件箱 PIN）；已保护时显式拒绝，不做静默幂等。
func (s *InboxService) Hold(sessionID, password string) (*domain.Inbox, error) {
	if err := s.VerifyHoldPassword(password); err != nil {
		return nil, err
	}

	inbox, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if inbox.IsHeld {
		return nil, ErrAlreadyHeld
	}

	// 防御性远期时间戳，豁免本身由 is_held 决定
	inbox.IsHeld = true
	inbox.ExpiresAt = time.Now().UTC().Add(heldExpiryHorizon)
	if err := s.store.SetHold(sessionID, true, inbox.ExpiresAt); err != nil {
		return nil, err
	}

	s.log.Info("Inbox held",
		zap.String("inbox_id", inbox.ID),
		zap.String("address", inbox.Address()))

	return inbox, nil
}

// Unhold 解除保护状态并重置过期时间为 now + TTL。
//
// 未保护时显式拒绝，不做静默幂等。
func (s *InboxService) Unhold(sessionID, password string) (*domain.Inbox, error) {
	if err := s.VerifyHoldPassword(password); err != nil {
		return nil, err
	}

	inbox, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !inbox.IsHeld {
		return nil, ErrNotHeld
	}

	inbox.IsHeld = false
	inbox.ExpiresAt = time.Now().UTC().Add(s.cfg.Inbox.DefaultTTL)
	if err := s.store.SetHold(sessionID, false, inbox.ExpiresAt); err != nil {
		return nil, err
	}

	s.log.Info("Inbox unheld",
		zap.String("inbox_id", inbox.ID),
		zap.String("address", inbox.Address()))

	return inbox, nil
}

// Reclaim 通过 PIN 重新认领收件箱，换发新的 SessionID。
//
// 旧 SessionID 立即失效；过期时间和保护状态保持不变。
func (s *InboxService) Reclaim(username, domainName, pin string) (*domain.Inbox, error) {
	username = domain.NormalizeUsername(username)
	domainName = strings.ToLower(strings.TrimSpace(domainName))

	inbox, err := s.store.FindActiveInbox(username, domainName)
	if err != nil {
		if errors.Is(err, storage.ErrInboxNotFound) {
			return nil, ErrInboxNotFound
		}
		return nil, err
	}

	if !inbox.HasPIN() {
		return nil, ErrPINNotSet
	}
	if err := bcrypt.CompareHashAndPassword([]byte(inbox.PINHash), []byte(pin)); err != nil {
		return nil, ErrPINMismatch
	}

	newSessionID := uuid.NewString()
	if err := s.store.RotateSession(inbox.ID, newSessionID); err != nil {
		return nil, err
	}
	inbox.SessionID = newSessionID

	monitoring.InboxesReclaimed.Inc()
	s.log.Info("Inbox reclaimed",
		zap.String("inbox_id", inbox.ID),
		zap.String("address", inbox.Address()))

	return inbox, nil
}

// ListHeld 返回所有处于保护状态的收件箱。
func (s *InboxService) ListHeld() ([]*domain.Inbox, error) {
	return s.store.ListHeldInboxes()
}

// Delete 删除收件箱并级联删除其邮件与附件。
func (s *InboxService) Delete(sessionID string) error {
	inbox, err := s.Get(sessionID)
	if err != nil {
		return err
	}

	if err := s.store.DeleteInbox(inbox.ID); err != nil {
		return err
	}

	s.log.Info("Inbox deleted",
		zap.String("inbox_id", inbox.ID),
		zap.String("address", inbox.Address()))

	return nil
}

// VerifyHoldPassword 校验保护操作的运维口令。
//
// 未配置口令时保护功能整体不可用，返回 ErrHoldDisabled。
func (s *InboxService) VerifyHoldPassword(password string) error {
	configured := s.cfg.Inbox.HoldPassword
	if configured == "" {
		return ErrHoldDisabled
	}
	if subtle.ConstantTimeCompare([]byte(configured), []byte(password)) != 1 {
		return ErrHoldPasswordMismatch
	}
	return nil
}

// randomUsername 从词表生成随机用户名。
func randomUsername() string {
	suffix := strings.ToLower(strings.ReplaceAll(uuid.NewString(), "-", ""))[:4]
	adjective := randomAdjectives[int(suffix[0])%len(randomAdjectives)]
	noun := randomNouns[int(suffix[1])%len(randomNouns)]
	return adjective + "." + noun + "." + suffix
}
