package tracker

import (
	"context"
	"log"
	"sync"
)

// Comment is one comment captured by a Recorder.
type Comment struct {
	Repo   string
	Number int
	Body   string
}

// Recorder is a Client that only records and logs calls. It stands in for
// the GitHub App when none is configured and doubles as the test fake.
type Recorder struct {
	mu         sync.Mutex
	Comments   []Comment
	Closed     []int
	closeFails map[int]error
	commentErr error
}

func NewRecorder() *Recorder {
	return &Recorder{closeFails: make(map[int]error)}
}

// FailClose makes closing pull request number fail with err.
func (r *Recorder) FailClose(number int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFails[number] = err
}

// FailComments makes every PostComment fail with err (nil clears it).
func (r *Recorder) FailComments(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commentErr = err
}

func (r *Recorder) PostComment(ctx context.Context, repo string, number int, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commentErr != nil {
		return r.commentErr
	}
	r.Comments = append(r.Comments, Comment{Repo: repo, Number: number, Body: body})
	log.Printf("[TRACKER] 💬 %s#%d: %.60q", repo, number, body)
	return nil
}

func (r *Recorder) ClosePullRequest(ctx context.Context, repo string, number int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.closeFails[number]; err != nil {
		return err
	}
	r.Closed = append(r.Closed, number)
	log.Printf("[TRACKER] 🔒 closed %s#%d", repo, number)
	return nil
}

func (r *Recorder) GetInstallationAccessToken(ctx context.Context, installationID int64) (string, error) {
	return "", ErrNoInstallation
}

// CommentsOn returns the bodies posted on one issue or pull request.
func (r *Recorder) CommentsOn(number int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.Comments {
		if c.Number == number {
			out = append(out, c.Body)
		}
	}
	return out
}

// ClosedPRs returns a copy of the closed pull request numbers.
func (r *Recorder) ClosedPRs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.Closed...)
}
