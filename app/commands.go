package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/jobhound/jobhound/app/secrets"
	"github.com/jobhound/jobhound/app/spool"
	"github.com/jobhound/jobhound/app/status"
	"github.com/jobhound/jobhound/app/store"
)

// InitCommand creates the profile everything else hangs off
type InitCommand struct {
	Username  string   `long:"username" default:"me" description:"profile username"`
	Name      string   `long:"name" required:"yes" description:"full name, used to sign letters"`
	Email     string   `long:"email" description:"contact email"`
	Phone     string   `long:"phone" description:"contact phone"`
	LinkedIn  string   `long:"linkedin" description:"linkedin profile url"`
	LetterDir string   `long:"letter-dir" default:"letters" description:"directory for exported letters"`
	Titles    []string `long:"title" description:"desired title, repeatable"`
	Locations []string `long:"location" description:"desired location, repeatable"`
	Docs      []string `long:"doc" description:"source document path or glob, repeatable"`
	Sites     []string `long:"site" description:"personal website url, repeatable"`
}

// Execute creates the profile record
func (c *InitCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u := store.User{
		Username:         c.Username,
		Name:             c.Name,
		Email:            c.Email,
		Phone:            c.Phone,
		LinkedInURL:      c.LinkedIn,
		LetterDir:        expandHome(c.LetterDir),
		DesiredTitles:    store.Strings(c.Titles),
		DesiredLocations: store.Strings(c.Locations),
		SourceDocuments:  store.Strings(c.Docs),
		Websites:         store.Strings(c.Sites),
	}
	if err := st.PutUser(ctx, u); err != nil {
		return err
	}
	fmt.Printf("profile %q created\n", c.Username)
	return nil
}

// ProfileCommand groups profile subcommands
type ProfileCommand struct {
	Show ProfileShowCommand `command:"show" description:"print the profile"`
	Set  ProfileSetCommand  `command:"set" description:"update profile fields"`
}

// ProfileShowCommand prints the stored profile
type ProfileShowCommand struct{}

// Execute prints the profile with job and query counts
func (c *ProfileShowCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}

	fmt.Printf("profile:    %s\n", u.Username)
	fmt.Printf("name:       %s\n", u.Name)
	if u.Email != "" {
		fmt.Printf("email:      %s\n", u.Email)
	}
	if u.Phone != "" {
		fmt.Printf("phone:      %s\n", u.Phone)
	}
	if u.LinkedInURL != "" {
		fmt.Printf("linkedin:   %s\n", u.LinkedInURL)
	}
	fmt.Printf("letter dir: %s\n", u.LetterDir)
	if len(u.DesiredTitles) > 0 {
		fmt.Printf("titles:     %s\n", strings.Join(u.DesiredTitles, ", "))
	}
	if len(u.DesiredLocations) > 0 {
		fmt.Printf("locations:  %s\n", strings.Join(u.DesiredLocations, ", "))
	}
	if len(u.SourceDocuments) > 0 {
		fmt.Printf("documents:  %s\n", strings.Join(u.SourceDocuments, ", "))
	}
	if len(u.Websites) > 0 {
		fmt.Printf("websites:   %s\n", strings.Join(u.Websites, ", "))
	}
	if u.SummaryUpdatedAt != nil {
		fmt.Printf("summary:    updated %s\n", u.SummaryUpdatedAt.Local().Format("2006-01-02 15:04"))
	} else {
		fmt.Printf("summary:    none yet\n")
	}
	for _, entry := range u.Presence {
		state := "failed"
		if entry.OK {
			state = "ok"
		}
		fmt.Printf("presence:   %s (%s, %s)\n", entry.URL, state, entry.FetchedAt.Local().Format("2006-01-02"))
	}

	jobs, err := st.ListJobs(ctx, u.Username, store.JobFilter{})
	if err != nil {
		return err
	}
	queries, err := st.ListQueries(ctx, u.Username, store.QueryFilter{})
	if err != nil {
		return err
	}
	fmt.Printf("tracking:   %d jobs, %d queries\n", len(jobs), len(queries))
	return nil
}

// ProfileSetCommand updates profile fields, lists are replaced when given
type ProfileSetCommand struct {
	Name      string   `long:"name" description:"full name"`
	Email     string   `long:"email" description:"contact email"`
	Phone     string   `long:"phone" description:"contact phone"`
	LinkedIn  string   `long:"linkedin" description:"linkedin profile url"`
	LetterDir string   `long:"letter-dir" description:"directory for exported letters"`
	Titles    []string `long:"title" description:"desired title, repeatable, replaces the list"`
	Locations []string `long:"location" description:"desired location, repeatable, replaces the list"`
	Docs      []string `long:"doc" description:"source document, repeatable, replaces the list"`
	Sites     []string `long:"site" description:"personal website, repeatable, replaces the list"`
}

// Execute applies the given fields to the stored profile
func (c *ProfileSetCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	if c.Name != "" {
		u.Name = c.Name
	}
	if c.Email != "" {
		u.Email = c.Email
	}
	if c.Phone != "" {
		u.Phone = c.Phone
	}
	if c.LinkedIn != "" {
		u.LinkedInURL = c.LinkedIn
	}
	if c.LetterDir != "" {
		u.LetterDir = expandHome(c.LetterDir)
	}
	if len(c.Titles) > 0 {
		u.DesiredTitles = store.Strings(c.Titles)
	}
	if len(c.Locations) > 0 {
		u.DesiredLocations = store.Strings(c.Locations)
	}
	if len(c.Docs) > 0 {
		u.SourceDocuments = store.Strings(c.Docs)
	}
	if len(c.Sites) > 0 {
		u.Websites = store.Strings(c.Sites)
	}
	if err := st.PutUser(ctx, u); err != nil {
		return err
	}
	fmt.Printf("profile %q updated\n", u.Username)
	return nil
}

// QueryCommand groups query subcommands
type QueryCommand struct {
	Add      QueryAddCommand      `command:"add" description:"add a search query"`
	List     QueryListCommand     `command:"list" description:"list queries"`
	Rm       QueryRmCommand       `command:"rm" description:"remove a query"`
	Activate QueryActivateCommand `command:"activate" description:"activate a draft query"`
}

// QueryAddCommand adds one query
type QueryAddCommand struct {
	Draft bool `long:"draft" description:"add as a draft, won't run until activated"`
	Args  struct {
		Text string `positional-arg-name:"text" required:"yes" description:"query text"`
	} `positional-args:"yes"`
}

// Execute saves the query
func (c *QueryAddCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	q := store.Query{Username: u.Username, Text: c.Args.Text}
	if c.Draft {
		q.Status = store.QueryDraft
	}
	if err := st.CreateQuery(ctx, &q); err != nil {
		return err
	}
	fmt.Printf("query %d added (%s)\n", q.ID, q.Status)
	return nil
}

// QueryListCommand lists queries
type QueryListCommand struct {
	All bool `long:"all" description:"include removed queries"`
}

// Execute prints the query table
func (c *QueryListCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	queries, err := st.ListQueries(ctx, u.Username, store.QueryFilter{IncludeRemoved: c.All})
	if err != nil {
		return err
	}
	if len(queries) == 0 {
		fmt.Println("no queries")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSOURCE\tLAST RUN\tRESULTS\tTEXT")
	for _, q := range queries {
		source := "manual"
		if q.AISuggested {
			source = "suggested"
		}
		lastRun := "-"
		if q.LastRunAt != nil {
			lastRun = q.LastRunAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", q.ID, q.Status, source, lastRun, q.LastResults, q.Text)
	}
	return w.Flush()
}

// QueryRmCommand removes a query
type QueryRmCommand struct {
	Args struct {
		ID int64 `positional-arg-name:"id" required:"yes" description:"query id"`
	} `positional-args:"yes"`
}

// Execute marks the query removed
func (c *QueryRmCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	if err := st.RemoveQuery(ctx, u.Username, c.Args.ID); err != nil {
		return err
	}
	fmt.Printf("query %d removed\n", c.Args.ID)
	return nil
}

// QueryActivateCommand activates a draft query
type QueryActivateCommand struct {
	Args struct {
		ID int64 `positional-arg-name:"id" required:"yes" description:"query id"`
	} `positional-args:"yes"`
}

// Execute moves the query to active
func (c *QueryActivateCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	if err := st.SetQueryStatus(ctx, u.Username, c.Args.ID, store.QueryActive); err != nil {
		return err
	}
	fmt.Printf("query %d activated\n", c.Args.ID)
	return nil
}

// JobCommand groups job subcommands
type JobCommand struct {
	List   JobListCommand   `command:"list" description:"list tracked jobs"`
	Show   JobShowCommand   `command:"show" description:"show one job in full"`
	Add    JobAddCommand    `command:"add" description:"track a job manually"`
	Status JobStatusCommand `command:"status" description:"move a job to another status"`
	Note   JobNoteCommand   `command:"note" description:"set the fit notes on a job"`
	Rm     JobRmCommand     `command:"rm" description:"delete a job"`
}

// JobListCommand lists jobs, optionally filtered by status
type JobListCommand struct {
	Statuses []string `long:"status" description:"filter by status, repeatable"`
}

// Execute prints the job table
func (c *JobListCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	flt := store.JobFilter{}
	for _, s := range c.Statuses {
		parsed, perr := status.Parse(s)
		if perr != nil {
			return perr
		}
		flt.Statuses = append(flt.Statuses, parsed)
	}
	jobs, err := st.ListJobs(ctx, u.Username, flt)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCOMPANY\tTITLE\tFOUND\tLETTER")
	for _, j := range jobs {
		letter := "-"
		if j.HasLetter() {
			letter = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(j.ID), j.Status, j.Company, j.Title, j.DateFound.Local().Format("2006-01-02"), letter)
	}
	return w.Flush()
}

// JobShowCommand shows everything stored about one job
type JobShowCommand struct {
	Args struct {
		ID string `positional-arg-name:"id" required:"yes" description:"job id or unique prefix"`
	} `positional-args:"yes"`
}

// Execute prints the job in full
func (c *JobShowCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	j, err := findJob(ctx, st, u.Username, c.Args.ID)
	if err != nil {
		return err
	}

	fmt.Printf("id:       %s\n", j.ID)
	fmt.Printf("status:   %s\n", j.Status)
	fmt.Printf("company:  %s\n", j.Company)
	fmt.Printf("title:    %s\n", j.Title)
	if j.Location != "" {
		fmt.Printf("location: %s\n", j.Location)
	}
	if j.Link != "" {
		fmt.Printf("link:     %s\n", j.Link)
	}
	fmt.Printf("found:    %s\n", j.DateFound.Local().Format("2006-01-02 15:04"))
	if j.Addressee != "" {
		fmt.Printf("contact:  %s\n", j.Addressee)
	}
	if j.PDFPath != "" {
		fmt.Printf("pdf:      %s\n", j.PDFPath)
	}
	if j.FitNotes != "" {
		fmt.Printf("\nfit notes:\n%s\n", j.FitNotes)
	}
	if len(j.Topics) > 0 {
		fmt.Printf("\ntopics:\n")
		for _, tp := range j.Topics {
			fmt.Printf("  - %s: %s\n", tp.Topic, tp.RelevantExperience)
		}
	}
	if len(j.Questions) > 0 {
		fmt.Printf("\nquestions:\n")
		for _, q := range j.Questions {
			answer := q.Answer
			if answer == "" {
				answer = "(unanswered)"
			}
			fmt.Printf("  Q: %s\n  A: %s\n", q.Question, answer)
		}
	}
	if j.HasLetter() {
		fmt.Printf("\ncover letter:\n%s\n", j.CoverLetter)
	}
	if j.Description != "" {
		kind := "snippet"
		if j.FullDescription {
			kind = "full text"
		}
		fmt.Printf("\ndescription (%s):\n%s\n", kind, j.Description)
	}
	return nil
}

// JobAddCommand tracks a job by hand
type JobAddCommand struct {
	Company     string `long:"company" description:"company name"`
	Title       string `long:"title" description:"job title"`
	Link        string `long:"link" description:"posting url"`
	Location    string `long:"location" description:"location"`
	Description string `long:"description" description:"posting text"`
}

// Execute creates the job record
func (c *JobAddCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	j := store.Job{
		Username:    u.Username,
		Company:     c.Company,
		Title:       c.Title,
		Link:        c.Link,
		Location:    c.Location,
		Description: c.Description,
	}
	if err := st.CreateJob(ctx, &j); err != nil {
		return err
	}
	fmt.Printf("job %s added\n", shortID(j.ID))
	return nil
}

// JobStatusCommand moves a job along the pipeline
type JobStatusCommand struct {
	Args struct {
		ID string `positional-arg-name:"id" required:"yes" description:"job id or unique prefix"`
		To string `positional-arg-name:"status" required:"yes" description:"target status"`
	} `positional-args:"yes"`
}

// Execute applies the status change
func (c *JobStatusCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	to, err := status.Parse(c.Args.To)
	if err != nil {
		return err
	}
	j, err := findJob(ctx, st, u.Username, c.Args.ID)
	if err != nil {
		return err
	}
	if err := st.SetJobStatus(ctx, u.Username, j.ID, to); err != nil {
		return err
	}
	fmt.Printf("job %s is now %s\n", shortID(j.ID), to)
	return nil
}

// JobNoteCommand sets the fit notes
type JobNoteCommand struct {
	Args struct {
		ID   string `positional-arg-name:"id" required:"yes" description:"job id or unique prefix"`
		Note string `positional-arg-name:"text" required:"yes" description:"fit notes text"`
	} `positional-args:"yes"`
}

// Execute stores the notes on the job
func (c *JobNoteCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	j, err := findJob(ctx, st, u.Username, c.Args.ID)
	if err != nil {
		return err
	}
	j.FitNotes = c.Args.Note
	if err := st.UpdateJob(ctx, j); err != nil {
		return err
	}
	fmt.Printf("notes set on %s\n", shortID(j.ID))
	return nil
}

// JobRmCommand deletes a job
type JobRmCommand struct {
	Args struct {
		ID string `positional-arg-name:"id" required:"yes" description:"job id or unique prefix"`
	} `positional-args:"yes"`
}

// Execute deletes the job record
func (c *JobRmCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	j, err := findJob(ctx, st, u.Username, c.Args.ID)
	if err != nil {
		return err
	}
	if err := st.DeleteJob(ctx, u.Username, j.ID); err != nil {
		return err
	}
	fmt.Printf("job %s deleted\n", shortID(j.ID))
	return nil
}

// IngestCommand feeds a candidate batch file through dedup and merge
type IngestCommand struct {
	Args struct {
		File string `positional-arg-name:"file" required:"yes" description:"json file with candidates"`
	} `positional-args:"yes"`
}

// Execute ingests the file
func (c *IngestCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	cands, err := spool.ReadBatch(expandHome(c.Args.File))
	if err != nil {
		return err
	}
	eng, err := openEngine(st)
	if err != nil {
		return err
	}
	rep, err := showTask(eng.IngestCandidates(ctx, u.Username, cands))
	if err != nil {
		return err
	}
	fmt.Printf("ingested: %s\n", rep)
	return nil
}

// RecoverCommand replays journal batches left by an interrupted run
type RecoverCommand struct{}

// Execute replays and commits pending batches
func (c *RecoverCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	eng, err := openEngine(st)
	if err != nil {
		return err
	}
	rep, err := showTask(eng.Recover(ctx, u.Username))
	if err != nil {
		return err
	}
	fmt.Printf("recovered: %s\n", rep)
	return nil
}

// WatchCommand runs the spool watcher until terminated
type WatchCommand struct {
	Dir      string `long:"dir" env:"JOBHOUND_SPOOL" default:"spool" description:"spool directory"`
	Schedule string `long:"schedule" env:"JOBHOUND_SPOOL_SCHEDULE" default:"@every 30m" description:"scan schedule"`
}

// Execute blocks watching the spool directory
func (c *WatchCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	eng, err := openEngine(st)
	if err != nil {
		return err
	}
	w := &spool.Watcher{Ingester: eng, Username: u.Username, Dir: expandHome(c.Dir), Schedule: c.Schedule}
	return w.Run(ctx)
}

// SecretCommand groups api key subcommands
type SecretCommand struct {
	Set SecretSetCommand `command:"set-api-key" description:"store the generator api key in the system keyring"`
	Rm  SecretRmCommand  `command:"rm-api-key" description:"delete the stored api key"`
}

// SecretSetCommand stores the key
type SecretSetCommand struct {
	Args struct {
		Key string `positional-arg-name:"key" required:"yes" description:"api key"`
	} `positional-args:"yes"`
}

// Execute writes the key to the keyring
func (c *SecretSetCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	if err := secrets.SetAPIKey(u.Username, c.Args.Key); err != nil {
		return err
	}
	fmt.Printf("api key stored for %q\n", u.Username)
	return nil
}

// SecretRmCommand deletes the key
type SecretRmCommand struct{}

// Execute removes the key from the keyring
func (c *SecretRmCommand) Execute(_ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx, cancel := cmdContext()
	defer cancel()

	u, err := resolveUser(ctx, st)
	if err != nil {
		return err
	}
	if err := secrets.DeleteAPIKey(u.Username); err != nil {
		return err
	}
	fmt.Printf("api key removed for %q\n", u.Username)
	return nil
}

// findJob fetches a job by exact id or unique prefix
func findJob(ctx context.Context, st *store.Store, username, id string) (store.Job, error) {
	j, err := st.GetJob(ctx, username, id)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Job{}, err
	}

	jobs, lerr := st.ListJobs(ctx, username, store.JobFilter{})
	if lerr != nil {
		return store.Job{}, lerr
	}
	var found []store.Job
	for _, jb := range jobs {
		if strings.HasPrefix(jb.ID, id) {
			found = append(found, jb)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return store.Job{}, err
	default:
		return store.Job{}, fmt.Errorf("id prefix %q matches %d jobs", id, len(found))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
