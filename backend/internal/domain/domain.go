package domain

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sort"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"crema/backend/internal/apperr"
	"crema/backend/internal/auth"
	"crema/backend/internal/domainlog"
)

// Header 写在日志目录的 header.json 中：Domain 的身份与创建时的初始内容
type Header struct {
	Info    Info        `json:"info"`
	Content ContentData `json:"content"`
}

func EncodeHeader(info Info, data ContentData) ([]byte, error) {
	return json.Marshal(Header{Info: info, Content: data})
}

type Options struct {
	Sink Sink
	Now  func() time.Time
}

type participant struct {
	info     ParticipantInfo
	sessions map[string]struct{}
}

func (p *participant) online() bool { return len(p.sessions) > 0 }

// Domain 是一个多人协同编辑会话。
// 所有修改都经过 dispatcher 串行执行；MetaData() 读取原子发布的快照，不经过 dispatcher
type Domain struct {
	id   string
	log  *domainlog.Log
	sink Sink
	now  func() time.Time

	disp    *dispatcher
	deleted chan struct{}
	meta    atomic.Pointer[MetaData]

	// 以下字段只在 dispatcher 内访问
	info         Info
	content      *content
	participants map[string]*participant
	order        []string
	owner        string
	locks        map[string]string
	waiters      map[string][]chan struct{}
	modified     map[string]bool
	postID       uint64
	eventSeq     uint64
	state        State
	fault        error
}

func newDomain(info Info, data ContentData, log *domainlog.Log, opts Options) (*Domain, error) {
	c, err := newContent(data)
	if err != nil {
		return nil, err
	}
	if opts.Sink == nil {
		opts.Sink = discardSink{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Domain{
		id:           info.DomainID,
		log:          log,
		sink:         opts.Sink,
		now:          opts.Now,
		deleted:      make(chan struct{}),
		info:         info,
		content:      c,
		participants: make(map[string]*participant),
		locks:        make(map[string]string),
		waiters:      make(map[string][]chan struct{}),
		modified:     make(map[string]bool),
		state:        StateCreated,
	}
	return d, nil
}

// New 创建一个全新的 Domain；log 必须是刚用 EncodeHeader 的结果创建的空日志
func New(info Info, data ContentData, log *domainlog.Log, opts Options) (*Domain, error) {
	d, err := newDomain(info, data, log, opts)
	if err != nil {
		return nil, err
	}
	d.disp = newDispatcher()
	d.emit(info.CreatedBy, "", Event{Kind: EventCreated})
	return d, nil
}

// Restore 从日志重建 Domain。
// 重放在第一条损坏或无法应用的记录处停止，此时 Domain 进入 Faulted，Fault() 给出原因。
// 会话状态不持久化：恢复出的参与者全部离线，锁全部释放
func Restore(log *domainlog.Log, opts Options) (*Domain, error) {
	hb, err := log.Header()
	if err != nil {
		return nil, err
	}
	var h Header
	if err := decodeJSON(hb, &h); err != nil {
		return nil, apperr.New(apperr.KindCorruptLogEntry, "header of %s: %v", log.Dir(), err)
	}
	d, err := newDomain(h.Info, h.Content, log, opts)
	if err != nil {
		return nil, err
	}

	var replayErr error
	for e, err := range log.Replay() {
		if err != nil {
			replayErr = err
			break
		}
		act, err := DecodeAction(e.Payload)
		if err != nil {
			replayErr = apperr.New(apperr.KindCorruptLogEntry, "entry %d: %v", e.Post.ID, err)
			break
		}
		p, err := d.prepare(act)
		if err != nil {
			replayErr = apperr.New(apperr.KindCorruptLogEntry, "entry %d does not apply: %v", e.Post.ID, err)
			break
		}
		p.commit()
		d.postID = e.Post.ID
	}
	if replayErr == nil {
		replayErr = log.Fault()
	}

	for key := range d.locks {
		delete(d.locks, key)
	}
	for _, p := range d.participants {
		p.info.Editing = false
	}
	if replayErr != nil {
		glog.Errorf("domain %s: replay stopped after entry %d: %v", d.id, d.postID, replayErr)
		d.fault = replayErr
		d.state = StateFaulted
	}
	d.disp = newDispatcher()
	d.emit("", "")
	return d, nil
}

func (d *Domain) ID() string { return d.id }

func (d *Domain) Info() Info { return d.MetaData().Info }

func (d *Domain) MetaData() MetaData { return *d.meta.Load() }

// Fault 返回使 Domain 进入 Faulted 的原因
func (d *Domain) Fault() error {
	var err error
	_ = d.disp.invoke(context.Background(), func() error {
		err = d.fault
		return nil
	})
	return err
}

// Done 在 Domain 被删除后关闭
func (d *Domain) Done() <-chan struct{} { return d.deleted }

func (d *Domain) Content(ctx context.Context) (ContentData, error) {
	var data ContentData
	err := d.disp.invoke(ctx, func() error {
		if d.state == StateDeleted {
			return apperr.ErrDomainDeleted
		}
		data = d.content.data()
		return nil
	})
	return data, err
}

// Close 停止 dispatcher 并关闭日志，日志保留在磁盘上供下次 Restore
func (d *Domain) Close() error {
	err := d.disp.invoke(context.Background(), func() error {
		d.disp.stop()
		return d.log.Close()
	})
	if errors.Is(err, apperr.ErrDomainDeleted) {
		return nil
	}
	d.disp.wait()
	return err
}

func (d *Domain) Enter(ctx context.Context, a auth.Authentication, access AccessType) (ParticipantInfo, error) {
	var info ParticipantInfo
	err := d.disp.invoke(ctx, func() error {
		if err := d.mutable(); err != nil {
			return err
		}
		if access == "" {
			access = d.accessFor(a)
		}
		if access != AccessRead && access != AccessWrite {
			return apperr.New(apperr.KindInvalidArgument, "unknown access type %q", access)
		}
		if access == AccessWrite {
			if err := a.Require(d.info.RequiredAuthority); err != nil {
				return err
			}
		}
		if p, ok := d.participants[a.UserID]; ok {
			// 已在场：只把新会话挂上去
			d.attach(ctx, a, p)
			info = d.participantInfo(p)
			return nil
		}
		act := newAction(ActionEnter, a, d.now())
		act.Access = access
		if _, err := d.execute(ctx, a, act); err != nil {
			return err
		}
		info = d.participantInfo(d.participants[a.UserID])
		return nil
	})
	return info, err
}

func (d *Domain) Leave(ctx context.Context, a auth.Authentication) error {
	return d.disp.invoke(ctx, func() error {
		if err := d.mutable(); err != nil {
			return err
		}
		if _, ok := d.participants[a.UserID]; !ok {
			return apperr.New(apperr.KindInvalidArgument, "user %s is not in domain %s", a.UserID, d.id)
		}
		_, err := d.execute(ctx, a, newAction(ActionLeave, a, d.now()))
		return err
	})
}

// Attach 把会话重新挂到已有（通常是恢复出来的离线）参与者上；不写日志
func (d *Domain) Attach(ctx context.Context, a auth.Authentication) (bool, error) {
	var ok bool
	err := d.disp.invoke(ctx, func() error {
		if d.state == StateDeleted {
			return apperr.ErrDomainDeleted
		}
		p, found := d.participants[a.UserID]
		if !found {
			return nil
		}
		ok = true
		d.attach(ctx, a, p)
		return nil
	})
	return ok, err
}

// Detach 是会话断开：去掉该会话，如果这是用户最后一个会话则等同于 Leave（释放锁）
func (d *Domain) Detach(ctx context.Context, a auth.Authentication) error {
	return d.disp.invoke(ctx, func() error {
		if d.state == StateDeleted {
			return apperr.ErrDomainDeleted
		}
		p, ok := d.participants[a.UserID]
		if !ok {
			return nil
		}
		delete(p.sessions, a.SessionID)
		if len(p.sessions) > 0 {
			return nil
		}
		if d.state == StateFaulted {
			// 无法写日志，只能把参与者标成离线并释放锁
			d.releaseLockOf(p)
			d.emit(a.UserID, TaskIDFrom(ctx), Event{Kind: EventUserChanged, UserID: a.UserID, Participant: ptr(d.participantInfo(p))})
			return nil
		}
		_, err := d.execute(ctx, a, newAction(ActionLeave, a, d.now()))
		return err
	})
}

func (d *Domain) SetUserLocation(ctx context.Context, a auth.Authentication, loc Location) error {
	return d.disp.invoke(ctx, func() error {
		if err := d.mutable(); err != nil {
			return err
		}
		p, err := d.ensureParticipant(ctx, a)
		if err != nil {
			return err
		}
		if p.info.Editing && p.info.Location != loc {
			return apperr.New(apperr.KindInvalidArgument, "end editing %s before moving", p.info.Location.Key())
		}
		p.info.Location = loc
		d.emit(a.UserID, TaskIDFrom(ctx), Event{Kind: EventLocationChanged, UserID: a.UserID, Location: &loc, Participant: ptr(d.participantInfo(p))})
		return nil
	})
}

// BeginEdit 获取 loc 上的编辑锁。
// wait <= 0 时冲突立即返回 LOCK_CONFLICT；否则等待释放，超时返回 LOCK_TIMEOUT，
// 等待期间 Domain 被删除则返回 DOMAIN_DELETED
func (d *Domain) BeginEdit(ctx context.Context, a auth.Authentication, loc Location, wait time.Duration) error {
	if loc.TableName == "" {
		return apperr.New(apperr.KindInvalidArgument, "location needs a table name")
	}
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		var released <-chan struct{}
		err := d.disp.invoke(ctx, func() error {
			if err := d.mutable(); err != nil {
				return err
			}
			if err := a.Require(d.info.RequiredAuthority); err != nil {
				return err
			}
			key := loc.Key()
			if holder, held := d.locks[key]; held && holder != a.UserID {
				if wait > 0 {
					released = d.addWaiter(key)
				}
				return apperr.New(apperr.KindLockConflict, "%s is being edited by %s", key, holder)
			}
			p, err := d.ensureParticipant(ctx, a)
			if err != nil {
				return err
			}
			if err := d.requireWrite(a, p); err != nil {
				return err
			}
			if p.info.Editing && p.info.Location == loc {
				return nil
			}
			act := newAction(ActionBeginUserEdit, a, d.now())
			act.Location = &loc
			_, err = d.execute(ctx, a, act)
			return err
		})
		if err == nil || released == nil || !errors.Is(err, apperr.ErrLockConflict) {
			return err
		}
		select {
		case <-released:
		case <-d.deleted:
			return apperr.New(apperr.KindDomainDeleted, "domain %s was deleted while waiting for %s", d.id, loc.Key())
		case <-timeout:
			return apperr.New(apperr.KindLockTimeout, "timed out after %s waiting for %s", wait, loc.Key())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// EndEdit 释放用户持有的锁；没有锁时什么也不做
func (d *Domain) EndEdit(ctx context.Context, a auth.Authentication) error {
	return d.disp.invoke(ctx, func() error {
		if err := d.mutable(); err != nil {
			return err
		}
		p, ok := d.participants[a.UserID]
		if !ok || !p.info.Editing {
			return nil
		}
		_, err := d.execute(ctx, a, newAction(ActionEndUserEdit, a, d.now()))
		return err
	})
}

func (d *Domain) NewRow(ctx context.Context, a auth.Authentication, rows []RowInfo) ([]RowInfo, error) {
	return d.rowAction(ctx, a, ActionNewRow, rows)
}

func (d *Domain) SetRow(ctx context.Context, a auth.Authentication, rows []RowInfo) ([]RowInfo, error) {
	return d.rowAction(ctx, a, ActionSetRow, rows)
}

func (d *Domain) RemoveRow(ctx context.Context, a auth.Authentication, rows []RowInfo) ([]RowInfo, error) {
	return d.rowAction(ctx, a, ActionRemoveRow, rows)
}

func (d *Domain) rowAction(ctx context.Context, a auth.Authentication, typ ActionType, rows []RowInfo) ([]RowInfo, error) {
	var result []RowInfo
	err := d.disp.invoke(ctx, func() error {
		if err := d.writable(ctx, a); err != nil {
			return err
		}
		act := newAction(typ, a, d.now())
		act.Rows = rows
		p, err := d.execute(ctx, a, act)
		if err != nil {
			return err
		}
		result = p.rows
		return nil
	})
	return result, err
}

func (d *Domain) SetProperty(ctx context.Context, a auth.Authentication, name string, value any) error {
	return d.disp.invoke(ctx, func() error {
		if err := d.writable(ctx, a); err != nil {
			return err
		}
		act := newAction(ActionSetProperty, a, d.now())
		act.PropertyName = name
		act.Value = value
		_, err := d.execute(ctx, a, act)
		return err
	})
}

// Kick 需要 Admin；不能踢自己，也不能踢 owner
func (d *Domain) Kick(ctx context.Context, a auth.Authentication, targetID, comment string) error {
	return d.disp.invoke(ctx, func() error {
		if err := d.mutable(); err != nil {
			return err
		}
		if err := a.Require(auth.Admin); err != nil {
			return err
		}
		act := newAction(ActionKick, a, d.now())
		act.TargetID = targetID
		act.Comment = comment
		_, err := d.execute(ctx, a, act)
		return err
	})
}

func (d *Domain) SetOwner(ctx context.Context, a auth.Authentication, targetID string) error {
	return d.disp.invoke(ctx, func() error {
		if err := d.mutable(); err != nil {
			return err
		}
		if !a.IsAdmin() && d.owner != a.UserID {
			return apperr.New(apperr.KindNotAuthorized, "only the owner or an admin can transfer ownership of %s", d.id)
		}
		if d.owner == targetID {
			return nil
		}
		act := newAction(ActionSetOwner, a, d.now())
		act.TargetID = targetID
		_, err := d.execute(ctx, a, act)
		return err
	})
}

// Delete 终止 Domain 并返回最终内容。
// force 为 false 时，只要还有其他在线参与者就返回 DOMAIN_BUSY；
// force 为 true 时先移除所有参与者，正在等锁的调用以 DOMAIN_DELETED 结束
func (d *Domain) Delete(ctx context.Context, a auth.Authentication, force bool) (ContentData, error) {
	var data ContentData
	err := d.disp.invoke(ctx, func() error {
		if d.state == StateDeleted {
			return apperr.ErrDomainDeleted
		}
		if !a.IsAdmin() && d.owner != a.UserID && !(d.owner == "" && d.info.CreatedBy == a.UserID) {
			return apperr.New(apperr.KindNotAuthorized, "only the owner or an admin can delete %s", d.id)
		}
		var others []string
		for _, id := range d.order {
			if id != a.UserID && d.participants[id].online() {
				others = append(others, id)
			}
		}
		if len(others) > 0 && !force {
			return apperr.New(apperr.KindDomainBusy, "domain %s still has participants %v", d.id, others)
		}

		var evs []Event
		for _, id := range d.order {
			info := d.participantInfo(d.participants[id])
			evs = append(evs, Event{Kind: EventUserRemoved, UserID: id, Participant: &info, Reason: RemoveDeleted})
		}
		d.participants = make(map[string]*participant)
		d.order = nil
		d.owner = ""
		d.locks = make(map[string]string)
		d.waiters = make(map[string][]chan struct{})
		d.state = StateDeleted
		close(d.deleted)
		data = d.content.data()
		evs = append(evs, Event{Kind: EventDeleted})
		d.emit(a.UserID, TaskIDFrom(ctx), evs...)

		if err := d.log.Close(); err != nil {
			glog.Warningf("domain %s: close log: %v", d.id, err)
		}
		d.disp.stop()
		return nil
	})
	return data, err
}

type HistoryItem struct {
	Post   domainlog.PostItem `json:"post"`
	Action *Action            `json:"action"`
}

// History 惰性地返回 fromID 之后的已完成操作，用于重连参与者追平
func (d *Domain) History(fromID uint64) iter.Seq2[HistoryItem, error] {
	seq := d.log.Replay()
	return func(yield func(HistoryItem, error) bool) {
		for e, err := range seq {
			if err != nil {
				yield(HistoryItem{}, err)
				return
			}
			if e.Post.ID <= fromID {
				continue
			}
			act, err := DecodeAction(e.Payload)
			if err != nil {
				yield(HistoryItem{}, apperr.New(apperr.KindCorruptLogEntry, "entry %d: %v", e.Post.ID, err))
				return
			}
			if !yield(HistoryItem{Post: e.Post, Action: act}, nil) {
				return
			}
		}
	}
}

// ---- dispatcher 内部 ----

func (d *Domain) mutable() error {
	switch d.state {
	case StateDeleted:
		return apperr.ErrDomainDeleted
	case StateFaulted:
		return apperr.New(apperr.KindDomainFaulted, "domain %s needs administrative recovery: %v", d.id, d.fault)
	}
	return nil
}

func (d *Domain) accessFor(a auth.Authentication) AccessType {
	if a.Authority >= d.info.RequiredAuthority {
		return AccessWrite
	}
	return AccessRead
}

func (d *Domain) requireWrite(a auth.Authentication, p *participant) error {
	if err := a.Require(d.info.RequiredAuthority); err != nil {
		return err
	}
	if p.info.Access != AccessWrite {
		return apperr.New(apperr.KindNotAuthorized, "user %s entered %s read-only", a.UserID, d.id)
	}
	return nil
}

// writable 在任何日志写入之前完成权限检查，再按需隐式加入
func (d *Domain) writable(ctx context.Context, a auth.Authentication) error {
	if err := d.mutable(); err != nil {
		return err
	}
	if err := a.Require(d.info.RequiredAuthority); err != nil {
		return err
	}
	p, err := d.ensureParticipant(ctx, a)
	if err != nil {
		return err
	}
	return d.requireWrite(a, p)
}

func (d *Domain) ensureParticipant(ctx context.Context, a auth.Authentication) (*participant, error) {
	if p, ok := d.participants[a.UserID]; ok {
		if a.SessionID != "" {
			if _, attached := p.sessions[a.SessionID]; !attached {
				d.attach(ctx, a, p)
			}
		}
		return p, nil
	}
	act := newAction(ActionEnter, a, d.now())
	act.Access = d.accessFor(a)
	if _, err := d.execute(ctx, a, act); err != nil {
		return nil, err
	}
	return d.participants[a.UserID], nil
}

func (d *Domain) attach(ctx context.Context, a auth.Authentication, p *participant) {
	wasOnline := p.online()
	if a.SessionID != "" {
		p.sessions[a.SessionID] = struct{}{}
	}
	if !wasOnline && p.online() {
		d.emit(a.UserID, TaskIDFrom(ctx), Event{Kind: EventUserChanged, UserID: a.UserID, Participant: ptr(d.participantInfo(p))})
	}
}

type prepared struct {
	commit    func()
	rows      []RowInfo
	events    []Event
	// canonical 把动作改写成转换后的值再落盘，nil 表示原样写入
	canonical func(*Action)
}

// execute：prepare → Post（落盘）→ commit → Complete（落盘）→ 发事件。
// 任何一步之前的失败都不会推进序号或改变状态
func (d *Domain) execute(ctx context.Context, a auth.Authentication, act *Action) (*prepared, error) {
	if err := act.checkText(); err != nil {
		return nil, err
	}
	p, err := d.prepare(act)
	if err != nil {
		return nil, err
	}
	if p.canonical != nil {
		p.canonical(act)
	}
	payload, err := json.Marshal(act)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "action is not serializable: %v", err)
	}
	item, err := d.log.Post(act.UserID, act.AcceptTime, string(act.Type), payload)
	if err != nil {
		if errors.Is(err, apperr.ErrDomainFaulted) {
			d.fail(ctx, err)
		}
		return nil, err
	}
	p.commit()
	d.postID = item.ID
	if _, err := d.log.Complete(item, d.now()); err != nil {
		d.fail(ctx, err)
		return nil, err
	}
	if act.Type == ActionEnter && a.SessionID != "" {
		np := d.participants[a.UserID]
		np.sessions[a.SessionID] = struct{}{}
		for i := range p.events {
			if p.events[i].Kind == EventUserAdded {
				p.events[i].Participant = ptr(d.participantInfo(np))
			}
		}
	}
	glog.V(2).Infof("domain %s: %s #%d by %s", d.id, act.Type, item.ID, act.UserID)
	d.emit(act.UserID, TaskIDFrom(ctx), p.events...)
	return p, nil
}

func (d *Domain) fail(ctx context.Context, err error) {
	glog.Errorf("domain %s: entering faulted state: %v", d.id, err)
	d.fault = err
	d.state = StateFaulted
	d.emit("", TaskIDFrom(ctx), Event{Kind: EventStateChanged})
}

// prepare 校验动作并返回延迟提交的修改；重放与实时路径共用
func (d *Domain) prepare(act *Action) (*prepared, error) {
	switch act.Type {
	case ActionNewRow, ActionSetRow, ActionRemoveRow:
		var (
			commit func()
			rows   []RowInfo
			logged []RowInfo
			err    error
			kind   EventKind
		)
		switch act.Type {
		case ActionNewRow:
			commit, rows, logged, err = d.content.prepareNewRows(act.Rows)
			kind = EventRowAdded
		case ActionSetRow:
			commit, rows, logged, err = d.content.prepareSetRows(act.Rows)
			kind = EventRowChanged
		default:
			commit, rows, logged, err = d.content.prepareRemoveRows(act.Rows)
			kind = EventRowRemoved
		}
		if err != nil {
			return nil, err
		}
		return &prepared{
			commit: func() {
				commit()
				for _, r := range rows {
					d.modified[r.TableName] = true
				}
				d.touch(act)
			},
			rows:      rows,
			events:    []Event{{Kind: kind, Rows: rows}},
			canonical: func(a *Action) { a.Rows = logged },
		}, nil

	case ActionSetProperty:
		commit, value, err := d.content.prepareSetProperty(act.PropertyName, act.Value)
		if err != nil {
			return nil, err
		}
		return &prepared{
			commit:    func() { commit(); d.touch(act) },
			events:    []Event{{Kind: EventPropertyChanged, PropertyName: act.PropertyName, Value: value}},
			canonical: func(a *Action) { a.Value = value },
		}, nil

	case ActionEnter:
		if _, ok := d.participants[act.UserID]; ok {
			return nil, apperr.New(apperr.KindAlreadyExists, "user %s is already in domain %s", act.UserID, d.id)
		}
		pr := &prepared{}
		pr.commit = func() {
			p := &participant{
				info: ParticipantInfo{
					UserID:    act.UserID,
					UserName:  act.UserName,
					Authority: act.Authority,
					Access:    act.Access,
				},
				sessions: make(map[string]struct{}),
			}
			d.participants[act.UserID] = p
			d.order = append(d.order, act.UserID)
			if d.owner == "" {
				d.owner = act.UserID
			}
			pr.events = []Event{{Kind: EventUserAdded, UserID: act.UserID, Participant: ptr(d.participantInfo(p))}}
		}
		return pr, nil

	case ActionLeave, ActionKick:
		target := act.UserID
		reason := RemoveLeave
		if act.Type == ActionKick {
			target = act.TargetID
			reason = RemoveKick
			if target == act.UserID {
				return nil, apperr.New(apperr.KindInvalidArgument, "cannot kick yourself")
			}
			if target == d.owner {
				return nil, apperr.New(apperr.KindInvalidArgument, "cannot kick the owner %s", target)
			}
		}
		p, ok := d.participants[target]
		if !ok {
			return nil, apperr.New(apperr.KindInvalidArgument, "user %s is not in domain %s", target, d.id)
		}
		pr := &prepared{}
		pr.commit = func() {
			info := d.participantInfo(p)
			info.Online = false
			d.releaseLockOf(p)
			d.removeParticipant(target)
			pr.events = []Event{{Kind: EventUserRemoved, UserID: target, Participant: &info, Reason: reason, Comment: act.Comment}}
			if info.IsOwner && d.owner != "" {
				pr.events = append(pr.events, Event{Kind: EventOwnerChanged, UserID: d.owner})
			}
		}
		return pr, nil

	case ActionSetOwner:
		if _, ok := d.participants[act.TargetID]; !ok {
			return nil, apperr.New(apperr.KindInvalidArgument, "user %s is not in domain %s", act.TargetID, d.id)
		}
		return &prepared{
			commit: func() { d.owner = act.TargetID },
			events: []Event{{Kind: EventOwnerChanged, UserID: act.TargetID}},
		}, nil

	case ActionBeginUserEdit:
		p, ok := d.participants[act.UserID]
		if !ok || act.Location == nil {
			return nil, apperr.New(apperr.KindInvalidArgument, "user %s cannot edit in domain %s", act.UserID, d.id)
		}
		loc := *act.Location
		if holder, held := d.locks[loc.Key()]; held && holder != act.UserID {
			return nil, apperr.New(apperr.KindLockConflict, "%s is being edited by %s", loc.Key(), holder)
		}
		pr := &prepared{}
		pr.commit = func() {
			d.releaseLockOf(p)
			d.locks[loc.Key()] = act.UserID
			p.info.Location = loc
			p.info.Editing = true
			pr.events = []Event{{Kind: EventEditBegun, UserID: act.UserID, Location: &loc, Participant: ptr(d.participantInfo(p))}}
		}
		return pr, nil

	case ActionEndUserEdit:
		p, ok := d.participants[act.UserID]
		if !ok || !p.info.Editing {
			return nil, apperr.New(apperr.KindInvalidArgument, "user %s holds no lock in domain %s", act.UserID, d.id)
		}
		pr := &prepared{}
		pr.commit = func() {
			loc := p.info.Location
			d.releaseLockOf(p)
			pr.events = []Event{{Kind: EventEditEnded, UserID: act.UserID, Location: &loc, Participant: ptr(d.participantInfo(p))}}
		}
		return pr, nil
	}
	return nil, apperr.New(apperr.KindInvalidArgument, "unknown action %q", act.Type)
}

func (d *Domain) touch(act *Action) {
	d.info.ModifiedBy = act.UserID
	d.info.ModifiedAt = act.AcceptTime
}

func (d *Domain) removeParticipant(id string) {
	delete(d.participants, id)
	for i, x := range d.order {
		if x == id {
			d.order = append(d.order[:i:i], d.order[i+1:]...)
			break
		}
	}
	if d.owner == id {
		d.owner = ""
		if len(d.order) > 0 {
			d.owner = d.order[0]
		}
	}
}

func (d *Domain) releaseLockOf(p *participant) {
	if !p.info.Editing {
		return
	}
	key := p.info.Location.Key()
	if d.locks[key] == p.info.UserID {
		delete(d.locks, key)
		for _, ch := range d.waiters[key] {
			close(ch)
		}
		delete(d.waiters, key)
	}
	p.info.Editing = false
}

func (d *Domain) addWaiter(key string) <-chan struct{} {
	ch := make(chan struct{})
	d.waiters[key] = append(d.waiters[key], ch)
	return ch
}

func (d *Domain) participantInfo(p *participant) ParticipantInfo {
	info := p.info
	info.Online = p.online()
	info.IsOwner = d.owner == p.info.UserID
	return info
}

func (d *Domain) computeState() State {
	switch d.state {
	case StateDeleted, StateFaulted:
		return d.state
	}
	for _, p := range d.participants {
		if p.online() {
			return StateActive
		}
	}
	if d.postID == 0 && len(d.participants) == 0 {
		return StateCreated
	}
	return StateIdle
}

// emit 给事件编号、发布新快照，再把事件交给 sink；快照先于事件可见
func (d *Domain) emit(actor, taskID string, evs ...Event) {
	prev := d.state
	d.state = d.computeState()
	if prev != d.state && d.meta.Load() != nil {
		evs = append(evs, Event{Kind: EventStateChanged})
	}
	at := d.now().UTC()
	for i := range evs {
		d.eventSeq++
		evs[i].Seq = d.eventSeq
		evs[i].DomainID = d.id
		evs[i].DataBaseID = d.info.DataBaseID
		evs[i].ActorID = actor
		evs[i].TaskID = taskID
		evs[i].DateTime = at
	}
	meta := d.buildMeta()
	d.meta.Store(&meta)
	for _, e := range evs {
		e.MetaData = meta
		d.sink.Publish(e)
	}
}

func (d *Domain) buildMeta() MetaData {
	m := MetaData{
		Info:         d.info,
		State:        d.state,
		OwnerID:      d.owner,
		Participants: make([]ParticipantInfo, 0, len(d.order)),
		PostID:       d.postID,
		EventSeq:     d.eventSeq,
	}
	for _, id := range d.order {
		m.Participants = append(m.Participants, d.participantInfo(d.participants[id]))
	}
	for name := range d.modified {
		m.ModifiedTables = append(m.ModifiedTables, name)
	}
	sort.Strings(m.ModifiedTables)
	return m
}

func ptr[T any](v T) *T { return &v }
