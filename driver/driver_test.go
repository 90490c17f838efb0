package driver

import "testing"

func TestContent_Validate(t *testing.T) {
	testCases := []struct {
		name      string
		content   Content
		expectErr bool
	}{
		{"Text", TextContent("hello"), false},
		{"Empty text", Content{Type: ContentText}, true},
		{"Media", Content{Type: ContentMedia, Media: &Media{MimeType: "image/png", Data: []byte{1}}}, false},
		{"Media without data", Content{Type: ContentMedia, Media: &Media{MimeType: "image/png"}}, true},
		{"Media nil payload", Content{Type: ContentMedia}, true},
		{"Location", Content{Type: ContentLocation, Location: &Location{Latitude: 52.5, Longitude: 13.4}}, false},
		{"Location nil payload", Content{Type: ContentLocation}, true},
		{"Contact", Content{Type: ContentContact, Contact: &Contact{Name: "Alice", Phone: "+4915012345678"}}, false},
		{"Contact without phone", Content{Type: ContentContact, Contact: &Contact{Name: "Alice"}}, true},
		{"Poll", Content{Type: ContentPoll, Poll: &Poll{Question: "Lunch?", Choices: []string{"yes", "no"}}}, false},
		{"Poll single choice", Content{Type: ContentPoll, Poll: &Poll{Question: "Lunch?", Choices: []string{"yes"}}}, true},
		{"Poll without question", Content{Type: ContentPoll, Poll: &Poll{Choices: []string{"yes", "no"}}}, true},
		{"Unknown type", Content{Type: ContentType("sticker")}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.content.Validate()
			if tc.expectErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}
