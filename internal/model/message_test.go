package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusAdvanceNeverRegresses(t *testing.T) {
	assert.Equal(t, StatusDelivered, StatusSent.Advance(StatusDelivered))
	assert.Equal(t, StatusRead, StatusDelivered.Advance(StatusRead))
	assert.Equal(t, StatusRead, StatusRead.Advance(StatusSent))
	assert.Equal(t, StatusRead, StatusRead.Advance(StatusDelivered))
	assert.Equal(t, StatusSent, Status("").Advance(StatusSent))
}

func TestPlaceholderHidesContent(t *testing.T) {
	m := Message{
		ID:          "m1",
		Content:     "secret",
		Attachments: []Attachment{{FileName: "a.pdf"}},
		IsDeleted:   true,
	}
	p := m.Placeholder()
	assert.Equal(t, "m1", p.ID)
	assert.Empty(t, p.Content)
	assert.Nil(t, p.Attachments)
	assert.Equal(t, "secret", m.Content)
}

func TestPreview(t *testing.T) {
	m := Message{Content: "  see you\nat the   venue  "}
	assert.Equal(t, "see you at the venue", m.Preview(0))
	assert.Equal(t, "see…", m.Preview(3))

	att := Message{Attachments: []Attachment{{FileName: "contract.pdf"}}}
	assert.Equal(t, "contract.pdf", att.Preview(40))
}

func TestProvisionalID(t *testing.T) {
	assert.True(t, IsProvisionalID("tmp-123"))
	assert.False(t, IsProvisionalID("msg-123"))
}

func TestCloneCopiesAttachments(t *testing.T) {
	m := Message{Attachments: []Attachment{{FileName: "a"}}}
	c := m.Clone()
	c.Attachments[0].FileName = "b"
	assert.Equal(t, "a", m.Attachments[0].FileName)
}
