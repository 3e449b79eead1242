package service_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"slides2video/config"
	"slides2video/service"
	"slides2video/testutil"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub(t *testing.T) {
	h := service.NewHub()
	a, cancelA := h.Subscribe("p1")
	b, cancelB := h.Subscribe("p1")
	other, cancelOther := h.Subscribe("p2")
	defer cancelOther()
	assert.Equal(t, 2, h.Watchers("p1"))

	// 连续发布会合并成一次通知
	h.Publish("p1")
	h.Publish("p1")
	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		default:
			t.Fatal("expected an event")
		}
		select {
		case <-ch:
			t.Fatal("events should coalesce")
		default:
		}
	}
	select {
	case <-other:
		t.Fatal("event leaked to another project")
	default:
	}

	cancelA()
	cancelA()
	assert.Equal(t, 1, h.Watchers("p1"))
	cancelB()
	assert.Zero(t, h.Watchers("p1"))
	h.Publish("p1")
}

func TestNilHub(t *testing.T) {
	var h *service.Hub
	ch, cancel := h.Subscribe("p1")
	h.Publish("p1")
	select {
	case <-ch:
		t.Fatal("nil hub must not deliver events")
	default:
	}
	cancel()
	assert.Zero(t, h.Watchers("p1"))
}

func TestManagerPublishesChanges(t *testing.T) {
	e := testutil.NewEnv(t)
	ctx := context.Background()
	p, err := e.Manager.CreateProject(ctx, owner, "")
	require.NoError(t, err)

	events, cancel := e.Hub.Subscribe(p.ID)
	defer cancel()
	_, err = e.Manager.UploadPDF(ctx, owner, p.ID, "deck.pdf", testutil.PDF(1))
	require.NoError(t, err)

	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("no change event after upload")
	}
	e.Queue.Wait()
}

func TestAuthenticator(t *testing.T) {
	e := testutil.NewEnv(t)
	ctx := context.Background()

	u, err := e.Auth.Register(ctx, "  Alice@Example.com ", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.NotEqual(t, "correct horse", u.PasswordHash)

	_, err = e.Auth.Register(ctx, "alice@example.com", "another password")
	assert.ErrorIs(t, err, service.ErrConflict)
	_, err = e.Auth.Register(ctx, "bob@example.com", "short")
	assert.ErrorIs(t, err, service.ErrValidation)
	_, err = e.Auth.Register(ctx, " ", "long enough password")
	assert.ErrorIs(t, err, service.ErrValidation)

	// 用户名不要求是邮箱格式
	_, err = e.Auth.Register(ctx, "user1", "password1")
	require.NoError(t, err)

	token, expires, err := e.Auth.Login(ctx, "ALICE@example.com", "correct horse")
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))
	subject, err := e.Auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, subject)

	_, _, err = e.Auth.Login(ctx, "alice@example.com", "wrong password")
	assert.ErrorIs(t, err, service.ErrUnauthorized)
	_, _, err = e.Auth.Login(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, service.ErrUnauthorized)

	_, err = e.Auth.Verify("not-a-token")
	assert.ErrorIs(t, err, service.ErrUnauthorized)

	foreign := service.NewAuthenticator(e.DB, config.AuthConfig{Secret: "another-secret", Issuer: "slides2video", ExpiryHours: 1})
	forged, _, err := foreign.Issue(u.ID)
	require.NoError(t, err)
	_, err = e.Auth.Verify(forged)
	assert.ErrorIs(t, err, service.ErrUnauthorized)

	otherIssuer := service.NewAuthenticator(e.DB, config.AuthConfig{Secret: testutil.Secret, Issuer: "someone-else", ExpiryHours: 1})
	token, _, err = otherIssuer.Issue(u.ID)
	require.NoError(t, err)
	_, err = e.Auth.Verify(token)
	assert.ErrorIs(t, err, service.ErrUnauthorized)
}

func TestAuthenticatorWithoutSecret(t *testing.T) {
	e := testutil.NewEnv(t)
	a := service.NewAuthenticator(e.DB, config.AuthConfig{Issuer: "slides2video", ExpiryHours: 1})
	_, _, err := a.Issue("user")
	assert.Error(t, err)
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := service.NewLocalStore(root)
	require.NoError(t, err)

	data := []byte("%PDF-1.4 fake")
	require.NoError(t, s.Save(ctx, "pdf/abc.pdf", bytes.NewReader(data), int64(len(data))))
	got, err := s.Load(ctx, "pdf/abc.pdf")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.FileExists(t, filepath.Join(root, "pdf", "abc.pdf"))

	url, err := s.URL(ctx, "pdf/abc.pdf")
	require.NoError(t, err)
	assert.Empty(t, url)

	require.NoError(t, s.Save(ctx, "pdf/abc.pdf", bytes.NewReader([]byte("v2")), 2))
	got, err = s.Load(ctx, "pdf/abc.pdf")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	require.NoError(t, s.Delete(ctx, "pdf/abc.pdf"))
	require.NoError(t, s.Delete(ctx, "pdf/abc.pdf"))
	_, err = s.Load(ctx, "pdf/abc.pdf")
	assert.ErrorIs(t, err, service.ErrBlobNotFound)

	// 键中的 .. 不能逃出根目录
	require.NoError(t, s.Save(ctx, "../../escape.txt", bytes.NewReader([]byte("x")), 1))
	assert.FileExists(t, filepath.Join(root, "escape.txt"))
	_, err = os.Stat(filepath.Join(filepath.Dir(root), "escape.txt"))
	assert.True(t, os.IsNotExist(err))

	_, err = s.Load(ctx, "")
	assert.Error(t, err)
}

func TestPdfcpuInspector(t *testing.T) {
	i := service.NewPdfcpuInspector()

	n, err := i.PageCount(testutil.PDF(2))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = i.PageCount([]byte("plain text, not a pdf"))
	assert.Error(t, err)
	_, err = i.PageCount([]byte("%PDF-1.4\ngarbage"))
	assert.Error(t, err)
}

func TestScriptDuration(t *testing.T) {
	assert.Equal(t, 3*time.Second, service.ScriptDuration(""))
	assert.Equal(t, 3*time.Second, service.ScriptDuration("just a few words"))
	// 10 个词 / 2.5 = 4 秒
	assert.Equal(t, 4*time.Second, service.ScriptDuration("one two three four five six seven eight nine ten"))
	// 11 个词向上取整为 5 秒
	assert.Equal(t, 5*time.Second, service.ScriptDuration("one two three four five six seven eight nine ten eleven"))
}

func TestMediaToolsCheck(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	m := service.NewMediaTools(config.MediaConfig{Pdftoppm: "no-such-pdftoppm-binary", FFmpeg: "no-such-ffmpeg", DPI: 72}, log)
	assert.Error(t, m.Check())
}
