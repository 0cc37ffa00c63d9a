package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"

	"github.com/enduid/enduid-server/internal/database"
	"github.com/enduid/enduid-server/internal/model"
	"github.com/enduid/enduid-server/internal/repository"
	"github.com/enduid/enduid-server/internal/skland"
)

// Mock repositories
type mockUserRepo struct {
	mock.Mock
}

func (m *mockUserRepo) FindByUID(ctx context.Context, uid, userID, botID string) (*model.User, error) {
	args := m.Called(ctx, uid, userID, botID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

func (m *mockUserRepo) FindByUserBot(ctx context.Context, userID, botID string) ([]model.User, error) {
	args := m.Called(ctx, userID, botID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.User), args.Error(1)
}

func (m *mockUserRepo) ListSignable(ctx context.Context) ([]model.User, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.User), args.Error(1)
}

func (m *mockUserRepo) Upsert(ctx context.Context, params model.UpsertUserParams) (*model.User, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

func (m *mockUserRepo) Delete(ctx context.Context, uid, userID, botID string) (bool, error) {
	args := m.Called(ctx, uid, userID, botID)
	return args.Bool(0), args.Error(1)
}

func (m *mockUserRepo) MarkInvalid(ctx context.Context, userID, cred string) (int64, error) {
	args := m.Called(ctx, userID, cred)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockUserRepo) SetSignSwitch(ctx context.Context, uid, userID, botID string, sw model.SignSwitch) (*model.User, error) {
	args := m.Called(ctx, uid, userID, botID, sw)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

func (m *mockUserRepo) SetSklandUserID(ctx context.Context, id int64, sklandUserID string) error {
	args := m.Called(ctx, id, sklandUserID)
	return args.Error(0)
}

func (m *mockUserRepo) TouchLastUsed(ctx context.Context, userID, cred string) error {
	args := m.Called(ctx, userID, cred)
	return args.Error(0)
}

func (m *mockUserRepo) RandomActiveCred(ctx context.Context, since time.Time) (string, error) {
	args := m.Called(ctx, since)
	return args.String(0), args.Error(1)
}

func (m *mockUserRepo) CountActive(ctx context.Context, since time.Time) (int, error) {
	args := m.Called(ctx, since)
	return args.Int(0), args.Error(1)
}

func (m *mockUserRepo) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockUserRepo) CachedToken(ctx context.Context, cred string) (string, *time.Time, error) {
	args := m.Called(ctx, cred)
	if args.Get(1) == nil {
		return args.String(0), nil, args.Error(2)
	}
	return args.String(0), args.Get(1).(*time.Time), args.Error(2)
}

func (m *mockUserRepo) SaveToken(ctx context.Context, cred, token string, refreshedAt time.Time) error {
	args := m.Called(ctx, cred, token, refreshedAt)
	return args.Error(0)
}

func (m *mockUserRepo) WithTx(tx *sqlx.Tx) repository.UserRepository {
	return m
}

type mockBindRepo struct {
	mock.Mock
}

func (m *mockBindRepo) Find(ctx context.Context, userID, botID string) (*model.Bind, error) {
	args := m.Called(ctx, userID, botID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Bind), args.Error(1)
}

func (m *mockBindRepo) AddUID(ctx context.Context, userID, botID, uid string) (*model.Bind, error) {
	args := m.Called(ctx, userID, botID, uid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Bind), args.Error(1)
}

func (m *mockBindRepo) RemoveUID(ctx context.Context, userID, botID, uid string) (*model.Bind, error) {
	args := m.Called(ctx, userID, botID, uid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Bind), args.Error(1)
}

func (m *mockBindRepo) SetUIDs(ctx context.Context, userID, botID string, uids []string) (*model.Bind, error) {
	args := m.Called(ctx, userID, botID, uids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Bind), args.Error(1)
}

func (m *mockBindRepo) AddGroup(ctx context.Context, userID, botID, groupID string) error {
	args := m.Called(ctx, userID, botID, groupID)
	return args.Error(0)
}

func (m *mockBindRepo) GroupIDs(ctx context.Context, userID, botID string) ([]string, error) {
	args := m.Called(ctx, userID, botID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockBindRepo) WithTx(tx *sqlx.Tx) repository.BindRepository {
	return m
}

type mockSignRecordRepo struct {
	mock.Mock
}

func (m *mockSignRecordRepo) Exists(ctx context.Context, uid, date string) (bool, error) {
	args := m.Called(ctx, uid, date)
	return args.Bool(0), args.Error(1)
}

func (m *mockSignRecordRepo) SignedUIDs(ctx context.Context, date string) (map[string]struct{}, error) {
	args := m.Called(ctx, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]struct{}), args.Error(1)
}

func (m *mockSignRecordRepo) Mark(ctx context.Context, uid, date string) error {
	args := m.Called(ctx, uid, date)
	return args.Error(0)
}

func (m *mockSignRecordRepo) PurgeThrough(ctx context.Context, date string) (int64, error) {
	args := m.Called(ctx, date)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSignRecordRepo) WithTx(tx *sqlx.Tx) repository.SignRecordRepository {
	return m
}

type mockGachaRepo struct {
	mock.Mock
}

func (m *mockGachaRepo) Insert(ctx context.Context, records []model.GachaRecord) (int, error) {
	args := m.Called(ctx, records)
	return args.Int(0), args.Error(1)
}

func (m *mockGachaRepo) ListByUID(ctx context.Context, uid string) ([]model.GachaRecord, error) {
	args := m.Called(ctx, uid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.GachaRecord), args.Error(1)
}

func (m *mockGachaRepo) CountByUID(ctx context.Context, uid string) (int, error) {
	args := m.Called(ctx, uid)
	return args.Int(0), args.Error(1)
}

func (m *mockGachaRepo) DeleteByUID(ctx context.Context, uid string) (int64, error) {
	args := m.Called(ctx, uid)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockGachaRepo) WithTx(tx *sqlx.Tx) repository.GachaRepository {
	return m
}

// Mock upstream
type mockSkland struct {
	mock.Mock
}

func (m *mockSkland) Attendance(ctx context.Context, cred, uid string) (*skland.Response, error) {
	args := m.Called(ctx, cred, uid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*skland.Response), args.Error(1)
}

func (m *mockSkland) Binding(ctx context.Context, cred string) (*skland.BindingData, error) {
	args := m.Called(ctx, cred)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*skland.BindingData), args.Error(1)
}

func (m *mockSkland) UserInfo(ctx context.Context, cred string) (*skland.UserInfoData, error) {
	args := m.Called(ctx, cred)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*skland.UserInfoData), args.Error(1)
}

func (m *mockSkland) CredByToken(ctx context.Context, token string) (*skland.CredInfo, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*skland.CredInfo), args.Error(1)
}

func (m *mockSkland) GenScanID(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockSkland) ScanStatus(ctx context.Context, scanID string) (string, error) {
	args := m.Called(ctx, scanID)
	return args.String(0), args.Error(1)
}

func (m *mockSkland) TokenByScanCode(ctx context.Context, scanCode string) (string, error) {
	args := m.Called(ctx, scanCode)
	return args.String(0), args.Error(1)
}

func (m *mockSkland) CharRecords(ctx context.Context, u8Token, serverID, poolType, seqID string) (*skland.GachaPage, error) {
	args := m.Called(ctx, u8Token, serverID, poolType, seqID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*skland.GachaPage), args.Error(1)
}

func (m *mockSkland) WeaponPools(ctx context.Context, u8Token, serverID string) ([]skland.WeaponPool, error) {
	args := m.Called(ctx, u8Token, serverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]skland.WeaponPool), args.Error(1)
}

func (m *mockSkland) WeaponRecords(ctx context.Context, u8Token, serverID, poolID, seqID string) (*skland.GachaPage, error) {
	args := m.Called(ctx, u8Token, serverID, poolID, seqID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*skland.GachaPage), args.Error(1)
}

func (m *mockSkland) CardDetail(ctx context.Context, cred, roleID, serverID, skUserID string) (json.RawMessage, error) {
	args := m.Called(ctx, cred, roleID, serverID, skUserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

// inlineTx runs fn without a real transaction.
type inlineTx struct{}

func (inlineTx) WithTx(ctx context.Context, fn database.TxFunc) error {
	return fn(nil)
}

type fakeAccounts struct {
	mu          sync.Mutex
	user        *model.User
	err         error
	invalidated []string
}

func (f *fakeAccounts) ActiveUser(ctx context.Context, caller model.Caller) (*model.User, error) {
	return f.user, f.err
}

func (f *fakeAccounts) MarkInvalid(ctx context.Context, user model.User, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, user.UID)
}

type sentMessage struct {
	target model.Target
	msg    model.OutboundMessage
}

type fakeSink struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
	done chan struct{}
}

func (f *fakeSink) Send(ctx context.Context, target model.Target, msg model.OutboundMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{target: target, msg: msg})
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	return f.err
}

func (f *fakeSink) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeStatus struct {
	mu     sync.Mutex
	counts SignCounts
}

func (f *fakeStatus) Record(ctx context.Context, at time.Time, counts SignCounts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts.Success += counts.Success
	f.counts.Signed += counts.Signed
	f.counts.Fail += counts.Fail
	f.counts.Skipped += counts.Skipped
	return nil
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

var testCaller = model.Caller{UserID: "10001", BotID: "onebot"}
