package google

import (
	"context"
	"net/http"
	"net/url"
)

// groupSentinelKey marks contact groups created by this service. The value
// holds the managed name, so a fresh process recognises its own group on the
// next run even if the display name was edited in the directory UI.
const groupSentinelKey = "contactmirror_group"

type contactGroupList struct {
	ContactGroups []ContactGroup `json:"contactGroups"`
	NextPageToken string         `json:"nextPageToken"`
}

// EnsureGroup resolves a contact group by display name, creating it when
// absent. Results are cached per name; creation is serialised so at most one
// group per name is created per process.
func (c *Client) EnsureGroup(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", nil
	}

	c.groupMu.Lock()
	defer c.groupMu.Unlock()

	if resource, ok := c.groupCache[name]; ok {
		return resource, nil
	}

	resource, err := c.findGroup(ctx, name)
	if err != nil {
		return "", err
	}
	if resource == "" {
		resource, err = c.createGroup(ctx, name)
		if err != nil {
			return "", err
		}
	}

	c.groupCache[name] = resource
	return resource, nil
}

func (c *Client) findGroup(ctx context.Context, name string) (string, error) {
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("pageSize", "200")
		params.Set("groupFields", "name,clientData")
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var list contactGroupList
		if err := c.do(ctx, http.MethodGet, "contactGroups", params, nil, &list); err != nil {
			return "", err
		}
		countPage(ctx)

		for _, group := range list.ContactGroups {
			if group.Name == name || group.FormattedName == name {
				return group.ResourceName, nil
			}
			for _, data := range group.ClientData {
				if data.Key == groupSentinelKey && data.Value == name {
					return group.ResourceName, nil
				}
			}
		}

		if list.NextPageToken == "" {
			return "", nil
		}
		pageToken = list.NextPageToken
	}
}

func (c *Client) createGroup(ctx context.Context, name string) (string, error) {
	body := map[string]any{
		"contactGroup": map[string]any{
			"name": name,
			"clientData": []ClientData{
				{Key: groupSentinelKey, Value: name},
			},
		},
	}
	var created ContactGroup
	if err := c.do(ctx, http.MethodPost, "contactGroups", nil, body, &created); err != nil {
		return "", err
	}
	return created.ResourceName, nil
}
