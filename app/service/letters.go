package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/jobhound/jobhound/app/status"
	"github.com/jobhound/jobhound/app/store"
	"github.com/jobhound/jobhound/app/task"
)

// LetterOptions alters a single letter generation run
type LetterOptions struct {
	Regenerate   bool   // replace an existing letter and its topics
	WritingStyle string // per-job style override, persisted on success
}

// LetterResult is what GenerateCoverLetter produced
type LetterResult struct {
	TopicsGenerated bool // false when existing topics were reused
	Topics          store.Topics
	Letter          string
}

// GenerateCoverLetter analyzes job topics and writes the letter body for one
// job. Topics already on the job are reused unless Regenerate is set. The
// letter, topics and status move are committed in a single transaction after
// the last generator call, cancellation before that point changes nothing.
func (s *Engine) GenerateCoverLetter(ctx context.Context, username, jobID string, opts LetterOptions) *task.Task[LetterResult] {
	return task.Start(ctx, "letter", func(ctx context.Context, p task.Progress) (LetterResult, error) {
		var res LetterResult
		if s.Generator == nil {
			return res, fmt.Errorf("%w: no generator configured", ErrGenerationFailed)
		}
		user, err := s.Store.GetUser(ctx, username)
		if err != nil {
			return res, err
		}
		if strings.TrimSpace(user.Summary) == "" {
			return res, fmt.Errorf("profile has no summary, generate it first")
		}
		job, err := s.Store.GetJob(ctx, username, jobID)
		if err != nil {
			return res, err
		}
		if !job.FullDescription || strings.TrimSpace(job.Description) == "" {
			return res, fmt.Errorf("%s has no full description, fetch it first", job.String())
		}
		if job.HasLetter() && !opts.Regenerate {
			return res, fmt.Errorf("%s already has a letter", job.String())
		}

		topics := job.Topics
		if len(topics) == 0 || opts.Regenerate {
			p.Infof("analyzing topics for %s", job.String())
			out, gerr := s.Generator.Generate(ctx, PromptTopics, GenInput{User: user, Job: job})
			if gerr != nil {
				return res, collabErr(ErrGenerationFailed, gerr, "topics for %s", job.String())
			}
			if topics, gerr = parseTopics(out); gerr != nil {
				return res, fmt.Errorf("%w: %v", ErrGenerationFailed, gerr)
			}
			res.TopicsGenerated = true
			p.Infof("%d topics identified", len(topics))
		} else {
			p.Infof("reusing %d topics already on %s", len(topics), job.String())
		}

		if opts.WritingStyle != "" {
			job.WritingStyle = opts.WritingStyle
		}
		instructions := s.WritingInstructions
		if job.WritingStyle != "" {
			instructions = []string{job.WritingStyle}
		}

		p.Infof("writing letter body")
		job.Topics = topics
		out, gerr := s.Generator.Generate(ctx, PromptLetter, GenInput{User: user, Job: job, Topics: topics, Instructions: instructions})
		if gerr != nil {
			return res, collabErr(ErrGenerationFailed, gerr, "letter for %s", job.String())
		}
		body := strings.TrimSpace(out)
		if body == "" {
			return res, fmt.Errorf("%w: empty letter for %s", ErrGenerationFailed, job.String())
		}

		// the single commit point, a cancelled run leaves the job untouched
		if err := ctx.Err(); err != nil {
			return res, err
		}
		job.CoverLetter = body
		if job.Status == status.Pending {
			job.Status = status.InProgress
		}
		if err := s.Store.UpdateJob(ctx, job); err != nil {
			return res, err
		}

		res.Topics = topics
		res.Letter = body
		p.Infof("letter ready, %d words", len(strings.Fields(body)))
		return res, nil
	})
}

// ExportPDF renders the job's letter into the profile letter directory and
// remembers the produced path on the job. Returns the path.
func (s *Engine) ExportPDF(ctx context.Context, username, jobID string) *task.Task[string] {
	return task.Start(ctx, "export", func(ctx context.Context, p task.Progress) (string, error) {
		if s.Renderer == nil {
			return "", fmt.Errorf("%w: no renderer configured", ErrRenderFailed)
		}
		user, err := s.Store.GetUser(ctx, username)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(user.LetterDir) == "" {
			return "", fmt.Errorf("profile has no letter directory set")
		}
		job, err := s.Store.GetJob(ctx, username, jobID)
		if err != nil {
			return "", err
		}
		if !job.HasLetter() {
			return "", fmt.Errorf("%s has no letter to export", job.String())
		}

		name := letterFileName(user.Name, job.Company, time.Now())
		p.Infof("rendering %s", name)
		path, err := s.Renderer.Render(ctx, RenderRequest{
			Dir:      user.LetterDir,
			FileName: name,
			Text:     letterText(user, job),
			Job:      job,
			User:     user,
		})
		if err != nil {
			return "", collabErr(ErrRenderFailed, err, "render %s", name)
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}
		job.PDFPath = path
		if err := s.Store.UpdateJob(ctx, job); err != nil {
			return "", err
		}
		p.Infof("exported %s", path)
		return path, nil
	})
}

// AnswerQuestions drafts answers for application questions on one job and
// stores them with the job. With no questions passed in it answers the
// job's stored questions that still lack answers. Returns how many answers
// were produced.
func (s *Engine) AnswerQuestions(ctx context.Context, username, jobID string, questions []string) *task.Task[int] {
	return task.Start(ctx, "answers", func(ctx context.Context, p task.Progress) (int, error) {
		if s.Generator == nil {
			return 0, fmt.Errorf("%w: no generator configured", ErrGenerationFailed)
		}
		user, err := s.Store.GetUser(ctx, username)
		if err != nil {
			return 0, err
		}
		job, err := s.Store.GetJob(ctx, username, jobID)
		if err != nil {
			return 0, err
		}

		asked := make([]string, 0, len(questions))
		for _, q := range questions {
			if v := strings.TrimSpace(q); v != "" {
				asked = append(asked, v)
			}
		}
		if len(asked) == 0 { // fall back to stored questions without answers
			for _, q := range job.Questions {
				if strings.TrimSpace(q.Answer) == "" {
					asked = append(asked, q.Question)
				}
			}
		}
		if len(asked) == 0 {
			return 0, fmt.Errorf("%s has no questions to answer", job.String())
		}

		p.Infof("answering %d questions for %s", len(asked), job.String())
		out, err := s.Generator.Generate(ctx, PromptAnswers, GenInput{User: user, Job: job, Questions: asked})
		if err != nil {
			return 0, collabErr(ErrGenerationFailed, err, "answers for %s", job.String())
		}
		pairs, err := parseQuestions(out)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}

		if err := ctx.Err(); err != nil {
			return 0, err
		}
		answered := mergeAnswers(&job, pairs)
		if answered == 0 {
			return 0, fmt.Errorf("%w: no usable answers for %s", ErrGenerationFailed, job.String())
		}
		if err := s.Store.UpdateJob(ctx, job); err != nil {
			return 0, err
		}
		p.Infof("answered %d questions", answered)
		return answered, nil
	})
}

// mergeAnswers folds generated pairs into the job's stored questions,
// matching by normalized question text. New questions are appended, answers
// never overwrite a non-empty stored answer.
func mergeAnswers(job *store.Job, pairs store.Questions) int {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	index := map[string]int{}
	for i, q := range job.Questions {
		index[norm(q.Question)] = i
	}
	answered := 0
	for _, pr := range pairs {
		if strings.TrimSpace(pr.Answer) == "" {
			continue
		}
		if i, ok := index[norm(pr.Question)]; ok {
			if strings.TrimSpace(job.Questions[i].Answer) != "" {
				continue
			}
			job.Questions[i].Answer = pr.Answer
			answered++
			continue
		}
		job.Questions = append(job.Questions, pr)
		index[norm(pr.Question)] = len(job.Questions) - 1
		answered++
	}
	return answered
}

// letterText assembles the full letter around the stored body. A named
// addressee takes "Yours sincerely", the anonymous hiring team gets
// "Yours faithfully", the British convention.
func letterText(u store.User, j store.Job) string {
	addressee, signoff := strings.TrimSpace(j.Addressee), "sincerely"
	if addressee == "" {
		addressee = "hiring team"
		signoff = "faithfully"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s,\n\n", addressee)
	b.WriteString(strings.TrimSpace(j.CoverLetter))
	fmt.Fprintf(&b, "\n\nYours %s,\n%s\n", signoff, strings.TrimSpace(u.Name))
	return b.String()
}

// letterFileName builds "Company_Name_CoverLetter_20060102150405.pdf" with
// the timestamp in UTC
func letterFileName(userName, company string, now time.Time) string {
	c := underscoreToken(company)
	if c == "" {
		c = "Company"
	}
	n := compactToken(userName)
	if n == "" {
		n = "Applicant"
	}
	return fmt.Sprintf("%s_%s_CoverLetter_%s.pdf", c, n, now.UTC().Format("20060102150405"))
}

// underscoreToken keeps letters and digits, folds separators to single
// underscores and drops everything else
func underscoreToken(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_' || r == '/' || r == '.':
			pending = true
		}
	}
	return b.String()
}

// compactToken keeps letters and digits only
func compactToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
