package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOverridesPolicy(t *testing.T) {
	defaults := SendOptions{RetryLimit: 3, RetryDelay: time.Minute, ExpireIn: 10 * time.Minute}

	assert.False(t, overridesPolicy(defaults, SendOptions{}))
	assert.False(t, overridesPolicy(defaults, defaults))
	assert.True(t, overridesPolicy(defaults, SendOptions{RetryLimit: 5, RetryDelay: time.Minute, ExpireIn: 10 * time.Minute}))
	assert.True(t, overridesPolicy(defaults, SendOptions{RetryLimit: 3, ExpireIn: time.Hour}))
}
