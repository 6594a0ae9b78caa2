package s3

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewObjectStorage_Defaults(t *testing.T) {
	o := NewObjectStorage()

	assert.Equal(t, "us-east-1", o.Region)
	assert.Equal(t, 7*24*time.Hour, o.LinkExpiry)
}

func TestUploadSnapshot_RequiresConnection(t *testing.T) {
	_, err := NewObjectStorage().UploadSnapshot(context.Background(), "bucket", "a.jpg", []byte{1})

	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnect_InvalidEndpoint(t *testing.T) {
	o := NewObjectStorage()

	err := o.Connect(context.Background(), "http://not-a-host:9000/path", "key", "secret", false)

	assert.Error(t, err)
	assert.Nil(t, o.Conn)
}
