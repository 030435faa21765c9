package domainctx

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"crema/backend/internal/apperr"
	"crema/backend/internal/auth"
	"crema/backend/internal/domain"
	"crema/backend/internal/domainlog"
)

// Host 接收被删除 Domain 的最终内容（由 Data-Base Context 实现）
type Host interface {
	CommitDomain(ctx context.Context, info domain.Info, data domain.ContentData) error
}

type Options struct {
	Logs      *domainlog.Store
	Host      Host
	Listeners *Listeners
	// 每个订阅者邮箱的容量，满了就断开该订阅者
	QueueSize int
	Now       func() time.Time
}

type CreateRequest struct {
	ItemPath          string
	ItemType          domain.Kind
	RequiredAuthority auth.Authority
	Content           domain.ContentData
}

// Context 是一个已加载 data-base 内全部活动 Domain 的注册表和路由。
// mu 保护注册表；Create 持写锁，Subscribe 持读锁，所以订阅快照不会和结构变化交错
type Context struct {
	dataBaseID string
	opts       Options

	mu      sync.RWMutex
	domains map[string]*domain.Domain
	items   map[string]string
	closed  bool

	subMu sync.Mutex
	subs  map[string]*subscriber

	observe chan domain.Event
	quit    chan struct{}
	wg      sync.WaitGroup
}

func New(dataBaseID string, opts Options) *Context {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Context{
		dataBaseID: dataBaseID,
		opts:       opts,
		domains:    make(map[string]*domain.Domain),
		items:      make(map[string]string),
		subs:       make(map[string]*subscriber),
		observe:    make(chan domain.Event, 1024),
		quit:       make(chan struct{}),
	}
	c.wg.Add(1)
	go c.observeLoop()
	return c
}

func (c *Context) DataBaseID() string { return c.dataBaseID }

// Restore 从日志目录恢复这个 data-base 的全部 Domain。
// 无法重放的 Domain 以 Faulted 状态登记，等待管理员用 crema_recover 修复
func (c *Context) Restore() error {
	ids, err := c.opts.Logs.List(c.dataBaseID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		log, err := c.opts.Logs.Open(c.dataBaseID, id)
		if err != nil {
			glog.Errorf("database %s: open log of domain %s: %v", c.dataBaseID, id, err)
			continue
		}
		d, err := domain.Restore(log, domain.Options{Sink: c, Now: c.opts.Now})
		if err != nil {
			glog.Errorf("database %s: restore domain %s: %v", c.dataBaseID, id, err)
			log.Close()
			continue
		}
		c.register(d)
	}
	glog.Infof("database %s: restored %d domains", c.dataBaseID, len(c.domains))
	return nil
}

func (c *Context) register(d *domain.Domain) {
	c.domains[d.ID()] = d
	path := d.Info().ItemPath
	if prev, ok := c.items[path]; ok && prev != d.ID() {
		glog.Warningf("database %s: domains %s and %s both edit %s", c.dataBaseID, prev, d.ID(), path)
	}
	c.items[path] = d.ID()
}

// Create 为 ItemPath 创建 Domain；已有活动 Domain 时直接返回它
func (c *Context) Create(ctx context.Context, a auth.Authentication, req CreateRequest) (*domain.Domain, error) {
	if req.ItemPath == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "item path is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, apperr.New(apperr.KindDataBaseNotLoaded, "database %s is not loaded", c.dataBaseID)
	}
	if id, ok := c.items[req.ItemPath]; ok {
		return c.domains[id], nil
	}
	info := domain.Info{
		DomainID:          uuid.NewString(),
		DataBaseID:        c.dataBaseID,
		ItemPath:          req.ItemPath,
		ItemType:          req.ItemType,
		RequiredAuthority: req.RequiredAuthority,
		CreatedBy:         a.UserID,
		CreatedAt:         c.opts.Now().UTC(),
	}
	header, err := domain.EncodeHeader(info, req.Content)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "content is not serializable: %v", err)
	}
	log, err := c.opts.Logs.Create(c.dataBaseID, info.DomainID, header)
	if err != nil {
		return nil, err
	}
	d, err := domain.New(info, req.Content, log, domain.Options{Sink: c, Now: c.opts.Now})
	if err != nil {
		log.Close()
		if rmErr := c.opts.Logs.Remove(c.dataBaseID, info.DomainID); rmErr != nil {
			glog.Warningf("database %s: remove log of rejected domain: %v", c.dataBaseID, rmErr)
		}
		return nil, err
	}
	c.register(d)
	glog.Infof("database %s: domain %s created for %s by %s", c.dataBaseID, info.DomainID, req.ItemPath, a.UserID)
	return d, nil
}

// Domain 按 id 查找；未知或已删除时返回 DOMAIN_NOT_FOUND
func (c *Context) Domain(id string) (*domain.Domain, error) {
	c.mu.RLock()
	d, ok := c.domains[id]
	c.mu.RUnlock()
	if !ok || d.MetaData().State == domain.StateDeleted {
		return nil, apperr.New(apperr.KindDomainNotFound, "domain %s not found in database %s", id, c.dataBaseID)
	}
	return d, nil
}

func (c *Context) FindByItem(itemPath string) (*domain.Domain, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.items[itemPath]
	if !ok {
		return nil, false
	}
	return c.domains[id], true
}

// GetMetaData 只读快照，不经过任何 Domain 的 dispatcher
func (c *Context) GetMetaData() []domain.MetaData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Context) snapshotLocked() []domain.MetaData {
	metas := make([]domain.MetaData, 0, len(c.domains))
	for _, d := range c.domains {
		m := d.MetaData()
		if m.State == domain.StateDeleted {
			continue
		}
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Info.ItemPath < metas[j].Info.ItemPath })
	return metas
}

// Subscribe 注册会话并返回一致快照。快照里每个 Domain 的 EventSeq 作为水位，
// 不大于水位的事件已经反映在快照里，投递时丢弃
func (c *Context) Subscribe(ctx context.Context, a auth.Authentication, cb Callback) (*Subscription, []domain.MetaData, error) {
	if a.SessionID == "" {
		return nil, nil, apperr.New(apperr.KindInvalidArgument, "subscribe needs a session id")
	}
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, nil, apperr.New(apperr.KindDataBaseNotLoaded, "database %s is not loaded", c.dataBaseID)
	}
	c.subMu.Lock()
	if _, ok := c.subs[a.SessionID]; ok {
		c.subMu.Unlock()
		c.mu.RUnlock()
		return nil, nil, apperr.New(apperr.KindAlreadySubscribed, "session %s is already subscribed to database %s", a.SessionID, c.dataBaseID)
	}
	s := newSubscriber(a, cb, c.opts.QueueSize)
	c.subs[a.SessionID] = s
	c.subMu.Unlock()
	metas := c.snapshotLocked()
	for _, m := range metas {
		s.watermark[m.Info.DomainID] = m.EventSeq
	}
	c.mu.RUnlock()

	// 恢复出来的离线参与者重新上线
	for _, m := range metas {
		if !isOfflineParticipant(m, a.UserID) {
			continue
		}
		if d, err := c.Domain(m.Info.DomainID); err == nil {
			if _, err := d.Attach(ctx, a); err != nil {
				glog.Warningf("reattach %s to domain %s: %v", a.UserID, m.Info.DomainID, err)
			}
		}
	}
	glog.V(1).Infof("database %s: session %s of %s subscribed", c.dataBaseID, a.SessionID, a.UserID)
	return &Subscription{c: c, auth: a, sub: s}, metas, nil
}

func isOfflineParticipant(m domain.MetaData, userID string) bool {
	for _, p := range m.Participants {
		if p.UserID == userID {
			return !p.Online
		}
	}
	return false
}

// Unsubscribe 停止推送，并把该会话从它参与的所有 Domain 中摘掉（最后一个会话离开时释放锁）
func (c *Context) Unsubscribe(ctx context.Context, a auth.Authentication) error {
	c.subMu.Lock()
	s, ok := c.subs[a.SessionID]
	if ok {
		delete(c.subs, a.SessionID)
	}
	c.subMu.Unlock()
	if !ok {
		return apperr.New(apperr.KindNotSubscribed, "session %s is not subscribed to database %s", a.SessionID, c.dataBaseID)
	}
	s.stop()
	c.detachAll(ctx, a)
	return nil
}

// Disconnect 是传输层断开（CONNECTION_LOST）：效果同 Unsubscribe，不向其他人报错
func (c *Context) Disconnect(a auth.Authentication) {
	err := c.Unsubscribe(context.Background(), a)
	if err != nil && !errors.Is(err, apperr.ErrNotSubscribed) {
		glog.Warningf("database %s: disconnect %s: %v", c.dataBaseID, a.SessionID, err)
	}
}

func (c *Context) detachAll(ctx context.Context, a auth.Authentication) {
	c.mu.RLock()
	var joined []*domain.Domain
	for _, d := range c.domains {
		for _, p := range d.MetaData().Participants {
			if p.UserID == a.UserID {
				joined = append(joined, d)
				break
			}
		}
	}
	c.mu.RUnlock()
	for _, d := range joined {
		if err := d.Detach(ctx, a); err != nil && !errors.Is(err, apperr.ErrDomainDeleted) {
			glog.Warningf("detach %s from domain %s: %v", a.SessionID, d.ID(), err)
		}
	}
}

// Publish 实现 domain.Sink，在各 Domain 的 dispatcher 内调用，不能阻塞
func (c *Context) Publish(e domain.Event) {
	c.subMu.Lock()
	for sid, s := range c.subs {
		if s.offer(e) {
			continue
		}
		delete(c.subs, sid)
		glog.Warningf("database %s: mailbox of session %s is full, dropping subscriber", c.dataBaseID, sid)
		go c.evict(s)
	}
	c.subMu.Unlock()

	if c.opts.Listeners == nil {
		return
	}
	select {
	case c.observe <- e:
	default:
		glog.Warningf("database %s: listener queue full, %s of domain %s not observed", c.dataBaseID, e.Kind, e.DomainID)
	}
}

func (c *Context) evict(s *subscriber) {
	s.stop()
	c.detachAll(context.Background(), s.auth)
}

func (c *Context) observeLoop() {
	defer c.wg.Done()
	for {
		select {
		case e := <-c.observe:
			c.opts.Listeners.dispatch(e)
		case <-c.quit:
			return
		}
	}
}

func (c *Context) Enter(ctx context.Context, a auth.Authentication, id string, access domain.AccessType) (domain.ParticipantInfo, error) {
	d, err := c.Domain(id)
	if err != nil {
		return domain.ParticipantInfo{}, err
	}
	info, err := d.Enter(ctx, a, access)
	return info, c.routed(id, err)
}

func (c *Context) Leave(ctx context.Context, a auth.Authentication, id string) error {
	d, err := c.Domain(id)
	if err != nil {
		return err
	}
	return c.routed(id, d.Leave(ctx, a))
}

func (c *Context) SetUserLocation(ctx context.Context, a auth.Authentication, id string, loc domain.Location) error {
	d, err := c.Domain(id)
	if err != nil {
		return err
	}
	return c.routed(id, d.SetUserLocation(ctx, a, loc))
}

// BeginEdit 不转换 DOMAIN_DELETED：等锁期间被强制删除时调用方需要知道原因
func (c *Context) BeginEdit(ctx context.Context, a auth.Authentication, id string, loc domain.Location, wait time.Duration) error {
	d, err := c.Domain(id)
	if err != nil {
		return err
	}
	return d.BeginEdit(ctx, a, loc, wait)
}

func (c *Context) EndEdit(ctx context.Context, a auth.Authentication, id string) error {
	d, err := c.Domain(id)
	if err != nil {
		return err
	}
	return c.routed(id, d.EndEdit(ctx, a))
}

func (c *Context) NewRow(ctx context.Context, a auth.Authentication, id string, rows []domain.RowInfo) ([]domain.RowInfo, error) {
	d, err := c.Domain(id)
	if err != nil {
		return nil, err
	}
	out, err := d.NewRow(ctx, a, rows)
	return out, c.routed(id, err)
}

func (c *Context) SetRow(ctx context.Context, a auth.Authentication, id string, rows []domain.RowInfo) ([]domain.RowInfo, error) {
	d, err := c.Domain(id)
	if err != nil {
		return nil, err
	}
	out, err := d.SetRow(ctx, a, rows)
	return out, c.routed(id, err)
}

func (c *Context) RemoveRow(ctx context.Context, a auth.Authentication, id string, rows []domain.RowInfo) ([]domain.RowInfo, error) {
	d, err := c.Domain(id)
	if err != nil {
		return nil, err
	}
	out, err := d.RemoveRow(ctx, a, rows)
	return out, c.routed(id, err)
}

func (c *Context) SetProperty(ctx context.Context, a auth.Authentication, id, name string, value any) error {
	d, err := c.Domain(id)
	if err != nil {
		return err
	}
	return c.routed(id, d.SetProperty(ctx, a, name, value))
}

func (c *Context) Kick(ctx context.Context, a auth.Authentication, id, targetID, comment string) error {
	d, err := c.Domain(id)
	if err != nil {
		return err
	}
	return c.routed(id, d.Kick(ctx, a, targetID, comment))
}

func (c *Context) SetOwner(ctx context.Context, a auth.Authentication, id, targetID string) error {
	d, err := c.Domain(id)
	if err != nil {
		return err
	}
	return c.routed(id, d.SetOwner(ctx, a, targetID))
}

func (c *Context) Content(ctx context.Context, id string) (domain.ContentData, error) {
	d, err := c.Domain(id)
	if err != nil {
		return domain.ContentData{}, err
	}
	data, err := d.Content(ctx)
	return data, c.routed(id, err)
}

// DeleteDomain 删除 Domain，把最终内容交给 Host，再移除它的日志。
// Host 保存失败时保留日志，下次加载会把这个 Domain 恢复回来
func (c *Context) DeleteDomain(ctx context.Context, a auth.Authentication, id string, force bool) (domain.MetaData, error) {
	d, err := c.Domain(id)
	if err != nil {
		return domain.MetaData{}, err
	}
	data, err := d.Delete(ctx, a, force)
	if err != nil {
		return domain.MetaData{}, c.routed(id, err)
	}
	meta := d.MetaData()

	c.mu.Lock()
	delete(c.domains, id)
	if c.items[meta.Info.ItemPath] == id {
		delete(c.items, meta.Info.ItemPath)
	}
	c.mu.Unlock()

	if c.opts.Host != nil {
		if err := c.opts.Host.CommitDomain(ctx, meta.Info, data); err != nil {
			glog.Errorf("database %s: commit content of deleted domain %s: %v; keeping its log", c.dataBaseID, id, err)
			return meta, nil
		}
	}
	if err := c.opts.Logs.Remove(c.dataBaseID, id); err != nil {
		glog.Warningf("database %s: remove log of domain %s: %v", c.dataBaseID, id, err)
	}
	glog.Infof("database %s: domain %s deleted by %s (force=%v)", c.dataBaseID, id, a.UserID, force)
	return meta, nil
}

// History 返回 fromID 之后最多 limit 条已完成操作（limit <= 0 不限）
func (c *Context) History(ctx context.Context, a auth.Authentication, id string, fromID uint64, limit int) ([]domain.HistoryItem, error) {
	if err := a.Require(auth.Guest); err != nil {
		return nil, err
	}
	d, err := c.Domain(id)
	if err != nil {
		return nil, err
	}
	var items []domain.HistoryItem
	for item, err := range d.History(fromID) {
		if err != nil {
			return items, err
		}
		if err := ctx.Err(); err != nil {
			return items, err
		}
		items = append(items, item)
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

// routed 把路由途中被删除的 Domain 统一报告为 DOMAIN_NOT_FOUND
func (c *Context) routed(id string, err error) error {
	if err != nil && errors.Is(err, apperr.ErrDomainDeleted) {
		return apperr.New(apperr.KindDomainNotFound, "domain %s was deleted", id)
	}
	return err
}

// Close 停止全部订阅和 Domain，日志留在磁盘上（卸载 data-base 时调用）
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	domains := c.domains
	c.domains = make(map[string]*domain.Domain)
	c.items = make(map[string]string)
	c.mu.Unlock()

	c.subMu.Lock()
	for sid, s := range c.subs {
		s.stop()
		delete(c.subs, sid)
	}
	c.subMu.Unlock()

	for id, d := range domains {
		if err := d.Close(); err != nil {
			glog.Warningf("database %s: close domain %s: %v", c.dataBaseID, id, err)
		}
	}
	close(c.quit)
	c.wg.Wait()
}
