package testutil

import (
	"context"
	"sync"

	"warden/internal/gateway"
	"warden/internal/models"

	"github.com/disgoorg/snowflake/v2"
)

type memberKey struct {
	community snowflake.ID
	subject   snowflake.ID
}

// FakePlatform is an in-memory community platform with failure injection.
type FakePlatform struct {
	mu         sync.Mutex
	bans       map[memberKey]bool
	mutes      map[memberKey]bool
	applyErr   error
	reverseErr error
	statusErr  error
	calls      map[string]int
}

// NewFakePlatform returns an empty platform where every call succeeds.
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{
		bans:  make(map[memberKey]bool),
		mutes: make(map[memberKey]bool),
		calls: make(map[string]int),
	}
}

func (p *FakePlatform) ApplySanction(_ context.Context, req gateway.SanctionRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["apply"]++
	if p.applyErr != nil {
		return p.applyErr
	}
	k := memberKey{req.CommunityID, req.SubjectID}
	switch req.Kind.Class() {
	case models.ClassBan:
		p.bans[k] = true
	case models.ClassMute:
		p.mutes[k] = true
	}
	return nil
}

func (p *FakePlatform) ReverseSanction(_ context.Context, req gateway.SanctionRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["reverse"]++
	if p.reverseErr != nil {
		return p.reverseErr
	}
	k := memberKey{req.CommunityID, req.SubjectID}
	state := p.bans
	if req.Kind.Class() == models.ClassMute {
		state = p.mutes
	}
	if !state[k] {
		return gateway.ErrNotSanctioned
	}
	delete(state, k)
	return nil
}

func (p *FakePlatform) FetchMemberStatus(_ context.Context, communityID, subjectID snowflake.ID) (gateway.MemberStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["status"]++
	if p.statusErr != nil {
		return gateway.MemberStatus{}, p.statusErr
	}
	k := memberKey{communityID, subjectID}
	return gateway.MemberStatus{Banned: p.bans[k], Muted: p.mutes[k]}, nil
}

// FailApply makes every subsequent apply return err; nil restores success.
func (p *FakePlatform) FailApply(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyErr = err
}

// FailReverse makes every subsequent reverse return err; nil restores success.
func (p *FakePlatform) FailReverse(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reverseErr = err
}

// FailStatus makes every subsequent status fetch return err; nil restores success.
func (p *FakePlatform) FailStatus(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusErr = err
}

// Lift clears a sanction out-of-band, as a platform admin would.
func (p *FakePlatform) Lift(communityID, subjectID snowflake.ID, class models.SanctionClass) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := memberKey{communityID, subjectID}
	if class == models.ClassMute {
		delete(p.mutes, k)
		return
	}
	delete(p.bans, k)
}

// Sanctioned reports whether the member currently carries a sanction of class.
func (p *FakePlatform) Sanctioned(communityID, subjectID snowflake.ID, class models.SanctionClass) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := memberKey{communityID, subjectID}
	if class == models.ClassMute {
		return p.mutes[k]
	}
	return p.bans[k]
}

// Calls returns how many times op ("apply", "reverse", "status") reached the platform.
func (p *FakePlatform) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}
