package stack

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/retry"
)

// Node is a file or directory as the backend reports it.
type Node struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Dir  bool   `json:"dir"`
}

type listNodesResponse struct {
	Nodes []Node `json:"nodes"`
}

type createDirectoryRequest struct {
	Name string `json:"name"`
}

// ListChildren returns the direct children of a directory.
// A 404 means the directory is not visible yet and yields an empty list.
func (c *Client) ListChildren(ctx context.Context, parentID int64) ([]Node, error) {
	const op = "list children"

	var nodes []Node
	for offset := 0; ; offset += c.pageSize {
		path := fmt.Sprintf("/node/%d/nodes?offset=%d&limit=%d", parentID, offset, c.pageSize)
		req, err := c.newRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.do(op, req)
		if IsNotFound(err) {
			return nodes, nil
		}
		if err != nil {
			return nil, err
		}

		var page listNodesResponse
		if err := c.decodeJSON(op, resp, &page); err != nil {
			return nil, err
		}

		nodes = append(nodes, page.Nodes...)
		if len(page.Nodes) < c.pageSize {
			return nodes, nil
		}
	}
}

func (c *Client) findChild(ctx context.Context, parentID int64, name string, dir bool) (Node, bool, error) {
	children, err := c.ListChildren(ctx, parentID)
	if err != nil {
		return Node{}, false, err
	}

	for _, child := range children {
		if child.Name == name && child.Dir == dir {
			return child, true, nil
		}
	}
	return Node{}, false, nil
}

// resolveChild looks a just-created or conflicting node up by name, tolerating listing lag.
func (c *Client) resolveChild(ctx context.Context, parentID int64, name string, dir bool) (int64, error) {
	var id int64
	err := retry.Times(c.dirRetries).Wait(c.dirRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if ctx.Err() != nil {
			return ctx.Err(), true
		}

		node, ok, err := c.findChild(ctx, parentID, name, dir)
		if err != nil {
			return err, !IsRetryable(err)
		}
		if !ok {
			c.logger.Debugf("%q is not listed under %d yet (attempt %d)", name, parentID, attempt+1)
			return fmt.Errorf("%q exists under %d but is not listed", name, parentID), false
		}

		id = node.ID
		return nil, true
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// EnsureDirectory returns the id of the named directory under parentID, creating it when absent.
// A 409 from a concurrent creator is resolved to the existing directory's id.
func (c *Client) EnsureDirectory(ctx context.Context, parentID int64, name string) (int64, error) {
	if name == "" || strings.Contains(name, "/") {
		return 0, fmt.Errorf("invalid directory name: %q", name)
	}

	node, ok, err := c.findChild(ctx, parentID, name, true)
	if err != nil {
		return 0, err
	}
	if ok {
		return node.ID, nil
	}

	id, err := c.createDirectory(ctx, parentID, name)
	if err == nil {
		c.logger.Debugf("Created directory %q (%d) under %d", name, id, parentID)
		return id, nil
	}
	if !IsConflict(err) {
		return 0, err
	}

	c.logger.Debugf("Directory %q already exists under %d, resolving its id", name, parentID)
	return c.resolveChild(ctx, parentID, name, true)
}

// EnsurePath walks pathParts from the Files root, creating missing directories, and
// returns the id of the last one.
func (c *Client) EnsurePath(ctx context.Context, pathParts []string) (int64, error) {
	parentID, err := c.FilesRoot(ctx)
	if err != nil {
		return 0, err
	}

	for _, part := range pathParts {
		if part == "" {
			continue
		}
		parentID, err = c.EnsureDirectory(ctx, parentID, part)
		if err != nil {
			return 0, fmt.Errorf("ensure directory %q: %w", part, err)
		}
	}

	return parentID, nil
}

func (c *Client) createDirectory(ctx context.Context, parentID int64, name string) (int64, error) {
	const op = "create directory"

	req, err := c.newJSONRequest(ctx, http.MethodPost, "/directories", createDirectoryRequest{Name: name})
	if err != nil {
		return 0, err
	}
	req.Header.Set(headerParentID, formatID(parentID))

	resp, err := c.do(op, req)
	if err != nil {
		return 0, err
	}
	c.closeBody(resp.Body)

	return headerInt64(op, resp, headerID)
}

// NodeByPath looks a node up by its absolute path. A node that is not indexed yet
// yields an error for which IsNotFound is true.
func (c *Client) NodeByPath(ctx context.Context, nodePath string) (Node, error) {
	const op = "get node by path"

	req, err := c.newRequest(ctx, http.MethodGet, "/node/path?path="+url.QueryEscape(nodePath), nil)
	if err != nil {
		return Node{}, err
	}

	resp, err := c.do(op, req)
	if err != nil {
		return Node{}, err
	}

	var node Node
	if err := c.decodeJSON(op, resp, &node); err != nil {
		return Node{}, err
	}
	return node, nil
}

// DeleteNode removes a file or directory. A node that is already gone counts as deleted.
func (c *Client) DeleteNode(ctx context.Context, nodeID int64) error {
	const op = "delete node"

	req, err := c.newRequest(ctx, http.MethodDelete, fmt.Sprintf("/node/%d", nodeID), nil)
	if err != nil {
		return err
	}

	resp, err := c.do(op, req)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	c.closeBody(resp.Body)

	return nil
}
